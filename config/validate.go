package config

import (
	"time"

	"github.com/quantrelay/quantrelay/errors"
)

// Known AMO slot preferences
const (
	AMOSlotPreOpen  = "pre_open"
	AMOSlotOpen     = "open"
	AMOSlotOpenPlus = "open_plus"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}
	if c.Server.HealthIntervalSeconds <= 0 {
		return errors.Newf("server.health_interval_seconds must be > 0, got %d", c.Server.HealthIntervalSeconds)
	}

	// An empty webhook secret would accept unauthenticated order flow
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret must be set (QUANTRELAY_WEBHOOK_SECRET)")
	}
	if c.Webhook.RequireSignature && c.Webhook.SigningSecret == "" {
		return errors.New("webhook.signing_secret must be set when webhook.require_signature is true")
	}
	if c.Webhook.RateLimitMax <= 0 {
		return errors.Newf("webhook.rate_limit_max must be > 0, got %d", c.Webhook.RateLimitMax)
	}
	if c.Webhook.RateLimitWindowS <= 0 {
		return errors.Newf("webhook.rate_limit_window_s must be > 0, got %d", c.Webhook.RateLimitWindowS)
	}

	// Broker credentials are only required when live execution is armed;
	// dry-run mode never contacts the broker
	if c.Broker.LiveExecution {
		if c.Broker.BaseURL == "" {
			return errors.New("broker.base_url cannot be empty when broker.live_execution is true")
		}
		if c.Broker.AccessToken == "" {
			return errors.New("broker.access_token must be set when broker.live_execution is true")
		}
	}
	if c.Broker.TimeoutSeconds <= 0 {
		return errors.Newf("broker.timeout_seconds must be > 0, got %d", c.Broker.TimeoutSeconds)
	}

	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.Newf("queue.poll_interval_seconds must be > 0, got %d", c.Queue.PollIntervalSeconds)
	}
	if c.Queue.BatchSize <= 0 {
		return errors.Newf("queue.batch_size must be > 0, got %d", c.Queue.BatchSize)
	}
	if c.Queue.StuckTimeoutMinutes <= 0 {
		return errors.Newf("queue.stuck_timeout_minutes must be > 0, got %d", c.Queue.StuckTimeoutMinutes)
	}
	if c.Queue.RetentionDays < 0 {
		return errors.Newf("queue.retention_days must be >= 0, got %d", c.Queue.RetentionDays)
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return errors.Wrapf(err, "calendar.timezone %q is not a valid IANA timezone", c.Calendar.Timezone)
	}
	for _, boundary := range []struct{ key, value string }{
		{"calendar.pre_open", c.Calendar.PreOpen},
		{"calendar.open", c.Calendar.Open},
		{"calendar.close", c.Calendar.Close},
		{"calendar.post_close", c.Calendar.PostClose},
	} {
		if _, err := time.Parse("15:04", boundary.value); err != nil {
			return errors.Wrapf(err, "%s must be a HH:MM wall-clock time, got %q", boundary.key, boundary.value)
		}
	}
	for _, day := range append(append([]string{}, c.Calendar.Holidays...), c.Calendar.ExtraTradingDays...) {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return errors.Wrapf(err, "calendar date %q must be YYYY-MM-DD", day)
		}
	}
	switch c.Calendar.AMOSlot {
	case AMOSlotPreOpen, AMOSlotOpen, AMOSlotOpenPlus:
	default:
		return errors.Newf("calendar.amo_slot must be one of %s|%s|%s, got %q",
			AMOSlotPreOpen, AMOSlotOpen, AMOSlotOpenPlus, c.Calendar.AMOSlot)
	}
	if c.Calendar.AMOSlot == AMOSlotOpenPlus && c.Calendar.AMOOffsetMinutes <= 0 {
		return errors.Newf("calendar.amo_offset_minutes must be > 0 for open_plus, got %d", c.Calendar.AMOOffsetMinutes)
	}

	if c.Resilience.RetryMaxAttempts <= 0 {
		return errors.Newf("resilience.retry_max_attempts must be > 0, got %d", c.Resilience.RetryMaxAttempts)
	}
	if c.Resilience.RetryExponentialBase < 1.0 {
		return errors.Newf("resilience.retry_exponential_base must be >= 1.0, got %f", c.Resilience.RetryExponentialBase)
	}
	if c.Resilience.BreakerFailureThreshold <= 0 {
		return errors.Newf("resilience.breaker_failure_threshold must be > 0, got %d", c.Resilience.BreakerFailureThreshold)
	}
	if c.Resilience.BreakerResetSeconds <= 0 {
		return errors.Newf("resilience.breaker_reset_seconds must be > 0, got %d", c.Resilience.BreakerResetSeconds)
	}

	return nil
}
