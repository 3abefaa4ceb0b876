package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "24h"). String values may reference the
// environment as ${NAME}.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler holds the sweep triggers.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of triggered sweeps. When omitted the
	// engine follows scheduler.enabled with built-in defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage     StorageConfig     `json:"storage"`
	Reminders   RemindersConfig   `json:"reminders"`
	Sweep       SweepConfig       `json:"sweep"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Transport   TransportConfig   `json:"transport"`
	Realtime    *RealtimeConfig   `json:"realtime,omitempty"`
	Credentials CredentialsConfig `json:"credentials"`
	Admin       AdminConfig       `json:"admin"`
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

// LoggingTelegram forwards warn/error lines to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls when sweeps fire. "off" disables a trigger. An
// empty cart_sweep means "@hourly". Empty verification specs fall back to
// the calendar form:
//
//	verification_weekday: monday  (weekly trigger)
//	verification_day:     1       (monthly trigger, 1..28)
//	verification_at:      "09:00"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	CartSweep           string `json:"cart_sweep,omitempty"`
	VerificationWeekly  string `json:"verification_weekly,omitempty"`
	VerificationMonthly string `json:"verification_monthly,omitempty"`

	VerificationWeekday string `json:"verification_weekday,omitempty"`
	VerificationDay     int    `json:"verification_day,omitempty"`
	VerificationAt      string `json:"verification_at,omitempty"`

	// SweepTimeout bounds one whole sweep run; "0s" disables.
	SweepTimeout string `json:"sweep_timeout,omitempty"`
}

// TaskEngineConfig defaults: workers 2, queue_size 64, history_size 100,
// retry_max 0 (sweeps are never retried; the next trigger catches up).
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the store. Drivers: memory (default), file,
// sqlite, postgres. For postgres, path is the DSN.
//
//	"storage": { "driver": "sqlite", "path": "./reminderd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type RemindersConfig struct {
	// CartInactivity is how long a cart must sit untouched; default "24h".
	CartInactivity string `json:"cart_inactivity,omitempty"`
	// BaseURL prefixes links in rendered notifications.
	BaseURL string `json:"base_url"`
	// Channels maps a notification kind to "email" or "sms".
	Channels map[string]string `json:"channels,omitempty"`
	// Templates overrides built-in bodies per kind; empty fields keep the default.
	Templates map[string]TemplateConfig `json:"templates,omitempty"`
}

type TemplateConfig struct {
	Subject string `json:"subject,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Link    string `json:"link,omitempty"`
	HTML    string `json:"html,omitempty"`
	SMS     string `json:"sms,omitempty"`
}

type SweepConfig struct {
	// Parallelism > 1 processes subjects concurrently.
	Parallelism int `json:"parallelism,omitempty"`
}

type DispatchConfig struct {
	// SendTimeout bounds one transport call; default "30s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

// TransportConfig picks the email and SMS drivers. Email: log (default),
// smtp or amqp. SMS: log (default), amqp or none.
type TransportConfig struct {
	Email      string     `json:"email"`
	SMS        string     `json:"sms"`
	RatePerSec int        `json:"rate_per_sec,omitempty"`
	SMTP       SMTPConfig `json:"smtp"`
	AMQP       AMQPConfig `json:"amqp"`
}

type SMTPConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // never logged
	StartTLS    string `json:"starttls,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type AMQPConfig struct {
	URL          string `json:"url"` // may carry credentials; never logged
	Exchange     string `json:"exchange"`
	ExchangeType string `json:"exchange_type,omitempty"`
	EmailKey     string `json:"email_key,omitempty"`
	SMSKey       string `json:"sms_key,omitempty"`
	NoConfirm    bool   `json:"no_confirm,omitempty"`
}

// RealtimeConfig controls in-app notification pushes. When the section is
// omitted pushes are disabled.
type RealtimeConfig struct {
	Enabled bool `json:"enabled"`

	// Websocket serves /ws on the admin server.
	Websocket      bool         `json:"websocket"`
	AllowedOrigins []string     `json:"allowed_origins,omitempty"`
	Redis          *RedisConfig `json:"redis,omitempty"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// CredentialsConfig holds the process-wide default sender identity. Per
// category identities live in storage.
type CredentialsConfig struct {
	Default SenderConfig `json:"default"`
}

type SenderConfig struct {
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email,omitempty"`
	SMSFrom   string `json:"sms_from,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"` // never logged
}

type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token; never logged
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (token protected).
	Pprof bool `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
