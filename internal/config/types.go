package config

// Config is the file format. Every section may be omitted; the
// environment overlay and the component defaults fill the gaps.
//
// Durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Telegram      TelegramConfig      `json:"telegram,omitempty"`
	Database      DatabaseConfig      `json:"database"`
	SMTP          SMTPConfig          `json:"smtp"`
	Dispatch      DispatchConfig      `json:"dispatch,omitempty"`
	Monitor       MonitorConfig       `json:"monitor,omitempty"`
	Storage       StorageConfig       `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an ops chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used by the ops log sink. It never receives
// alert content.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// DatabaseConfig is the PostgreSQL/PostGIS alert store.
type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Name         string `json:"name"`
	User         string `json:"user"`
	Password     string `json:"password"`
	SSLMode      string `json:"sslmode,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty"`
	// ReconnectMax bounds the exponential reconnect backoff.
	ReconnectMax string `json:"reconnect_max,omitempty"`
	// BatchLimit caps rows per AlertsSince query.
	BatchLimit int `json:"batch_limit,omitempty"`
}

type SMTPConfig struct {
	Server   string `json:"server"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	From     string `json:"from,omitempty"`
	// Bcc receives a copy of every alert email.
	Bcc                []string `json:"bcc,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

type DispatchConfig struct {
	RatePerSec          int    `json:"rate_per_sec,omitempty"`
	RetryMax            int    `json:"retry_max,omitempty"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	SendTimeout         string `json:"send_timeout,omitempty"`
	WebhookTimeout      string `json:"webhook_timeout,omitempty"`
	ConfidenceThreshold int    `json:"confidence_threshold,omitempty"`
	DashboardURL        string `json:"dashboard_url,omitempty"`
}

type MonitorConfig struct {
	// CheckInterval is in seconds, as in the CHECK_INTERVAL variable.
	CheckInterval int `json:"check_interval,omitempty"`
	// Schedule overrides CheckInterval with a cron spec, "@every 5m" or
	// a duration.
	Schedule             string `json:"schedule,omitempty"`
	FastInterval         string `json:"fast_interval,omitempty"`
	Workers              int    `json:"workers,omitempty"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty"`
	GracePeriod          string `json:"grace_period,omitempty"`
	QueueSize            int    `json:"queue_size,omitempty"`
}

// StorageConfig selects the cursor store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./alertwatch.db" }
type StorageConfig struct {
	Driver            string `json:"driver"`
	Path              string `json:"path"`
	BusyTimeout       string `json:"busy_timeout,omitempty"` // sqlite
	Addr              string `json:"addr,omitempty"`         // redis
	Password          string `json:"password,omitempty"`     // redis
	DB                int    `json:"db,omitempty"`           // redis
	Prefix            string `json:"prefix,omitempty"`       // redis
	DeliveryRetention string `json:"delivery_retention,omitempty"`
}

// ObservabilityConfig controls the HTTP endpoint serving /metrics,
// /healthz and, when enabled, /debug/pprof/.
//
// Prefer a loopback address. A non-loopback address needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
