package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultsConfig(t *testing.T) *Config {
	t.Helper()

	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultsConfig(t)

	assert.Equal(t, 8742, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.HealthIntervalSeconds)
	assert.False(t, cfg.Broker.LiveExecution, "live execution must default to off")
	assert.Equal(t, "quantrelay.db", cfg.Queue.Path)
	assert.Equal(t, 5, cfg.Queue.PollIntervalSeconds)
	assert.Equal(t, "Asia/Kolkata", cfg.Calendar.Timezone)
	assert.Equal(t, "09:15", cfg.Calendar.Open)
	assert.Equal(t, AMOSlotOpen, cfg.Calendar.AMOSlot)
	assert.Equal(t, 3, cfg.Resilience.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.Resilience.BreakerFailureThreshold)
}

func TestValidateRequiresWebhookSecret(t *testing.T) {
	cfg := defaultsConfig(t)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")

	cfg.Webhook.Secret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateLiveExecutionNeedsCredentials(t *testing.T) {
	cfg := defaultsConfig(t)
	cfg.Webhook.Secret = "s3cret"
	cfg.Broker.LiveExecution = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.base_url")

	cfg.Broker.BaseURL = "https://api.broker.example"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.access_token")

	cfg.Broker.AccessToken = "token"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCalendarValues(t *testing.T) {
	cfg := defaultsConfig(t)
	cfg.Webhook.Secret = "s3cret"

	cfg.Calendar.Timezone = "Mars/Olympus_Mons"
	assert.Error(t, cfg.Validate())
	cfg.Calendar.Timezone = "Asia/Kolkata"

	cfg.Calendar.Open = "9am"
	assert.Error(t, cfg.Validate())
	cfg.Calendar.Open = "09:15"

	cfg.Calendar.Holidays = []string{"26-01-2025"}
	assert.Error(t, cfg.Validate())
	cfg.Calendar.Holidays = []string{"2025-01-26"}

	cfg.Calendar.AMOSlot = "whenever"
	assert.Error(t, cfg.Validate())
	cfg.Calendar.AMOSlot = AMOSlotOpenPlus
	cfg.Calendar.AMOOffsetMinutes = 0
	assert.Error(t, cfg.Validate())
	cfg.Calendar.AMOOffsetMinutes = 5

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quantrelay.toml")
	content := `
[webhook]
secret = "file-secret"

[queue]
poll_interval_seconds = 2

[calendar]
holidays = ["2025-10-21"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "file-secret", cfg.Webhook.Secret)
	assert.Equal(t, 2, cfg.Queue.PollIntervalSeconds)
	assert.Equal(t, []string{"2025-10-21"}, cfg.Calendar.Holidays)
	// Untouched values keep their defaults
	assert.Equal(t, 8742, cfg.Server.Port)
}
