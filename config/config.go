package config

// Config represents the core quantrelay configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"` // Broker credential probe cadence (default: 60)
	JSONLogs              bool   `mapstructure:"json_logs"`
}

// WebhookConfig configures webhook authentication and ingress limits
type WebhookConfig struct {
	Secret           string `mapstructure:"secret"`             // Shared secret checked against the payload body
	SigningSecret    string `mapstructure:"signing_secret"`     // HMAC-SHA256 secret for X-Signature verification (optional)
	RequireSignature bool   `mapstructure:"require_signature"`  // Reject requests without a valid HMAC signature
	RateLimitMax     int    `mapstructure:"rate_limit_max"`     // Requests per client key per window (default: 60)
	RateLimitWindowS int    `mapstructure:"rate_limit_window_s"` // Sliding window in seconds (default: 60)
}

// BrokerConfig configures the downstream broker client
type BrokerConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	AccessToken       string  `mapstructure:"access_token"`
	ClientID          string  `mapstructure:"client_id"`
	LiveExecution     bool    `mapstructure:"live_execution"`      // false = dry run: log but never call the broker
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`     // Per-call timeout (default: 10)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // Transport-level throttle (default: 5)
}

// QueueConfig configures the durable signal queue
type QueueConfig struct {
	Path                string `mapstructure:"path"`                  // SQLite database path (default: quantrelay.db)
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"` // Consumer poll cadence (default: 5)
	BatchSize           int    `mapstructure:"batch_size"`            // Max signals claimed per poll (default: 10)
	StuckTimeoutMinutes int    `mapstructure:"stuck_timeout_minutes"` // PROCESSING older than this is re-queued (default: 15)
	RetentionDays       int    `mapstructure:"retention_days"`        // Terminal signals older than this are pruned (default: 30)
}

// CalendarConfig configures market sessions and holidays.
// Session boundaries are local wall-clock times in "15:04" form.
type CalendarConfig struct {
	Timezone         string   `mapstructure:"timezone"`           // IANA name (default: Asia/Kolkata)
	Holidays         []string `mapstructure:"holidays"`           // "2006-01-02" dates with no trading
	ExtraTradingDays []string `mapstructure:"extra_trading_days"` // Special trading Saturdays etc.
	PreOpen          string   `mapstructure:"pre_open"`           // default 09:00
	Open             string   `mapstructure:"open"`               // default 09:15
	Close            string   `mapstructure:"close"`              // default 15:30
	PostClose        string   `mapstructure:"post_close"`         // default 16:00
	AMOSlot          string   `mapstructure:"amo_slot"`           // pre_open | open | open_plus
	AMOOffsetMinutes int      `mapstructure:"amo_offset_minutes"` // Minutes after open for open_plus (default: 5)
	AllowPostMarket  bool     `mapstructure:"allow_post_market"`  // Dispatch immediately during pre/post market
}

// ResilienceConfig tunes the retry policy and circuit breaker guarding
// every broker call
type ResilienceConfig struct {
	RetryMaxAttempts        int     `mapstructure:"retry_max_attempts"`       // default: 3
	RetryInitialDelayMS     int     `mapstructure:"retry_initial_delay_ms"`   // default: 500
	RetryExponentialBase    float64 `mapstructure:"retry_exponential_base"`   // default: 2.0
	RetryMaxDelayMS         int     `mapstructure:"retry_max_delay_ms"`       // default: 10000
	BreakerFailureThreshold int     `mapstructure:"breaker_failure_threshold"` // default: 5
	BreakerResetSeconds     int     `mapstructure:"breaker_reset_seconds"`    // default: 60
}

// NotifyConfig configures the best-effort notification sink.
// An empty URL disables notifications entirely.
type NotifyConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // default: 5
}
