package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Relay    RelayConfig    `json:"relay"`
	Ledger   LedgerConfig   `json:"ledger,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	// Level may be overridden via INTERFLOW_LOG_LEVEL (the -log-level
	// flag sets that variable, so the override survives hot reloads).
	Level   string        `json:"level" env:"INTERFLOW_LOG_LEVEL"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Notify  LoggingNotify `json:"notify"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingNotify mirrors warnings and errors into a chat channel.
// ChannelID is a canonical "platform:chat" id.
type LoggingNotify struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// INTERFLOW_TELEGRAM_TOKEN environment variable instead.
	Token        string  `json:"token" env:"INTERFLOW_TELEGRAM_TOKEN"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// MessagesPerSec caps outgoing sends (Telegram throttles around 30/s).
	MessagesPerSec int `json:"messages_per_sec,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token" env:"INTERFLOW_DISCORD_TOKEN"`
}

// RelayConfig controls the pool forwarding engine.
//
// The forward_* toggles are pointers so "omitted" keeps the built-in
// default (images on, everything else off) while an explicit false wins.
type RelayConfig struct {
	Workers       int          `json:"workers,omitempty"`
	QueueSize     int          `json:"queue_size,omitempty"`
	ForwardImage  *bool        `json:"forward_image,omitempty"`
	ForwardFile   *bool        `json:"forward_file,omitempty"`
	ForwardVideo  *bool        `json:"forward_video,omitempty"`
	ForwardVoice  *bool        `json:"forward_voice,omitempty"`
	DefaultFormat string       `json:"default_format,omitempty"`
	Retry         RetryConfig  `json:"retry,omitempty"`
	Pools         []PoolConfig `json:"pools"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	// BaseDelay is a Go duration string (e.g. "1s").
	BaseDelay string `json:"base_delay,omitempty"`
}

// PoolConfig is one forwarding group as written by the operator.
// A sloppy entry still loads: a missing enabled flag means enabled, and
// missing channels or format just mean an empty pool or the default format.
type PoolConfig struct {
	Name     string   `json:"name"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Format   string   `json:"format,omitempty"`
}

// EnabledOrDefault resolves the tri-state enabled flag.
func (p PoolConfig) EnabledOrDefault() bool {
	return p.Enabled == nil || *p.Enabled
}

// LedgerConfig controls the optional delivery outcome journal.
// An empty driver disables it.
//
// Example:
//
//	"ledger": { "driver": "file", "path": "./interflow_ledger" }
type LedgerConfig struct {
	Driver      string          `json:"driver"`
	Path        string          `json:"path"`
	BusyTimeout string          `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   RetentionConfig `json:"retention,omitempty"`
}

type RetentionConfig struct {
	// MaxAge is a Go duration string; records older than this are pruned.
	// Defaults to 720h (30 days).
	MaxAge string `json:"max_age,omitempty"`
	// Schedule is a cron spec for the prune job. Defaults to "@daily".
	Schedule string `json:"schedule,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
