package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// Durations are Go duration strings ("500ms", "1m"), bare seconds ("30")
// or day counts ("1d").
// Zero or omitted values fall back to component defaults.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Feed       FeedConfig       `json:"feed"`
	Filter     FilterConfig     `json:"filter"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Render     RenderConfig     `json:"render"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Redis      *RedisConfig     `json:"redis,omitempty"`
	Report     ReportConfig     `json:"report"`
	Ops        OpsConfig        `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"` // overridable by GIFTWATCH_TELEGRAM_TOKEN; never logged
	// AdminIDs receive reports and startup/shutdown notices.
	AdminIDs []int64 `json:"admin_ids"`
	// PollTimeout is the getUpdates long-poll timeout.
	PollTimeout string `json:"poll_timeout,omitempty"`
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

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig selects and tunes the gift feed.
//
// Sources are ranked: the live catalog (when a telegram token is set and
// remote is not disabled) first, then the replay file.
type FeedConfig struct {
	Remote *bool  `json:"remote,omitempty"` // default: true
	Replay string `json:"replay,omitempty"` // path to an NDJSON replay file

	PollInterval   string `json:"poll_interval,omitempty"`   // default 3s
	FailureBackoff string `json:"failure_backoff,omitempty"` // default 10s
	FetchTimeout   string `json:"fetch_timeout,omitempty"`   // default 15s
	// SilentFirstPoll absorbs the first snapshot when no gifts are stored yet. Default true.
	SilentFirstPoll *bool `json:"silent_first_poll,omitempty"`

	RemoteAttempts    uint   `json:"remote_attempts,omitempty"`
	RemoteMinInterval string `json:"remote_min_interval,omitempty"`
}

type FilterConfig struct {
	Timezone   string         `json:"timezone,omitempty"` // IANA, default UTC
	Window     string         `json:"window,omitempty"`   // default 1h
	DefaultCap int            `json:"default_cap,omitempty"`
	Caps       map[string]int `json:"caps,omitempty"` // keyed by notification kind
}

type QueueConfig struct {
	MaxSize int `json:"max_size,omitempty"` // default 10000
}

type DispatcherConfig struct {
	RateLimit        int    `json:"rate_limit,omitempty"`  // sends per window, default 20
	RateWindow       string `json:"rate_window,omitempty"` // default 1m
	TransientBackoff string `json:"transient_backoff,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	DrainInterval    string `json:"drain_interval,omitempty"`
}

type RenderConfig struct {
	BuyURL string `json:"buy_url,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./giftwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; overridable by GIFTWATCH_STORAGE_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig enables the shared send-rate window.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Hourly   string `json:"hourly,omitempty"` // cron spec; "-" disables
	Daily    string `json:"daily,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// Announce sends startup and shutdown notices to admins.
	Announce bool `json:"announce,omitempty"`
}

// OpsConfig controls the operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// RemoteEnabled reports whether the live catalog should be ranked first.
func (c *Config) RemoteEnabled() bool {
	if c.Feed.Remote != nil && !*c.Feed.Remote {
		return false
	}
	return c.Telegram.Token != ""
}

// SilentFirstPoll defaults to true.
func (c *Config) SilentFirstPoll() bool {
	return c.Feed.SilentFirstPoll == nil || *c.Feed.SilentFirstPoll
}
