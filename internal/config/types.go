package config

// Config is the full daemon configuration. It is decoded strictly: unknown
// keys are rejected so typos surface at load time instead of being silently
// ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`
	Queue   QueueConfig   `json:"queue"`

	Notify      *NotifyConfig      `json:"notify,omitempty"`
	Webhook     *WebhookConfig     `json:"webhook,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// HTTPConfig controls the REST listener.
type HTTPConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8085"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Auth maps static bearer tokens to principals. The admin token can
	// also be injected via SMSQD_ADMIN_TOKEN instead of the config file.
	Auth []AuthToken `json:"auth,omitempty"`
}

// AuthToken is one static API credential.
type AuthToken struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the sqlite persistence layer.
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the message dispatch engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - batch_size: 32
//   - poll_interval: "1s"
//   - lease: "2m"
//   - max_retries: 3
//   - breaker_threshold: 5
//   - breaker_cooldown: "30s"
type QueueConfig struct {
	Workers      int    `json:"workers,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	// Lease is how long a claimed message stays invisible to other
	// workers before the sweeper hands it back to the queue.
	Lease string `json:"lease,omitempty"`

	MaxRetries int `json:"max_retries,omitempty"`

	// Circuit breaker per provider: after breaker_threshold consecutive
	// gateway failures, sends to that provider pause for breaker_cooldown.
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown  string `json:"breaker_cooldown,omitempty"`
}

// NotifyConfig controls the async operator notification pipeline.
// If the whole section is omitted, notifications are disabled.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	// Channels. Any subset may be enabled.
	LogChannel bool            `json:"log_channel,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Telegram   *TelegramNotify `json:"telegram,omitempty"`
}

// TelegramNotify posts operator alerts to a Telegram chat.
// The token can be injected via SMSQD_TELEGRAM_TOKEN.
type TelegramNotify struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id"`
}

// WebhookConfig controls payment webhook ingestion.
// The signing secret can be injected via SMSQD_STRIPE_WEBHOOK_SECRET.
type WebhookConfig struct {
	SigningSecret string `json:"signing_secret,omitempty"`
	// Tolerance bounds the accepted timestamp skew on signatures.
	Tolerance string `json:"tolerance,omitempty"` // default: "5m"
	Retention string `json:"retention,omitempty"` // default: "720h"
}

// MaintenanceConfig controls the cron-driven background jobs.
//
// Defaults:
//   - timezone: "UTC"
//   - lease_sweep_interval: "30s"
//   - daily_reset_spec: "0 0 * * *"
//   - monthly_reset_spec: "0 0 1 * *"
//   - webhook_prune_spec: "30 3 * * *"
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	LeaseSweepInterval string `json:"lease_sweep_interval,omitempty"`
	DailyResetSpec     string `json:"daily_reset_spec,omitempty"`
	MonthlyResetSpec   string `json:"monthly_reset_spec,omitempty"`
	WebhookPruneSpec   string `json:"webhook_prune_spec,omitempty"`
}
