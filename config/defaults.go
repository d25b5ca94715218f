package config

import (
	"github.com/spf13/viper"
)

// Default file permissions for the config directory
const DefaultDirPermissions = 0o755

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8742)
	v.SetDefault("server.health_interval_seconds", 60)
	v.SetDefault("server.json_logs", false)

	// Webhook defaults. The secret has no default: an empty secret fails
	// validation rather than silently accepting unauthenticated posts.
	v.SetDefault("webhook.require_signature", false)
	v.SetDefault("webhook.rate_limit_max", 60)
	v.SetDefault("webhook.rate_limit_window_s", 60)

	// Broker defaults: dry run until explicitly armed
	v.SetDefault("broker.live_execution", false)
	v.SetDefault("broker.timeout_seconds", 10)
	v.SetDefault("broker.requests_per_second", 5.0)

	// Queue defaults
	v.SetDefault("queue.path", "quantrelay.db")
	v.SetDefault("queue.poll_interval_seconds", 5)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.stuck_timeout_minutes", 15)
	v.SetDefault("queue.retention_days", 30)

	// Calendar defaults (NSE session times)
	v.SetDefault("calendar.timezone", "Asia/Kolkata")
	v.SetDefault("calendar.pre_open", "09:00")
	v.SetDefault("calendar.open", "09:15")
	v.SetDefault("calendar.close", "15:30")
	v.SetDefault("calendar.post_close", "16:00")
	v.SetDefault("calendar.amo_slot", "open")
	v.SetDefault("calendar.amo_offset_minutes", 5)
	v.SetDefault("calendar.allow_post_market", false)

	// Resilience defaults
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.retry_initial_delay_ms", 500)
	v.SetDefault("resilience.retry_exponential_base", 2.0)
	v.SetDefault("resilience.retry_max_delay_ms", 10000)
	v.SetDefault("resilience.breaker_failure_threshold", 5)
	v.SetDefault("resilience.breaker_reset_seconds", 60)

	// Notify defaults
	v.SetDefault("notify.timeout_seconds", 5)
}

// BindSensitiveEnvVars binds credential values to environment variables so
// they never need to live in a config file on disk
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("webhook.secret", "QUANTRELAY_WEBHOOK_SECRET")
	v.BindEnv("webhook.signing_secret", "QUANTRELAY_WEBHOOK_SIGNING_SECRET")
	v.BindEnv("broker.access_token", "QUANTRELAY_BROKER_ACCESS_TOKEN")
	v.BindEnv("broker.client_id", "QUANTRELAY_BROKER_CLIENT_ID")
}
