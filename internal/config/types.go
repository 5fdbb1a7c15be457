package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30m", "60s"); empty means "use the default".
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Fetcher       FetcherConfig       `json:"fetcher"`
	Notifier      NotifierConfig      `json:"notifier"`
	Ops           OpsConfig           `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty when CUPWATCH_TELEGRAM_TOKEN is set.
	Token        string `json:"token"`
	PollTimeout  string `json:"poll_timeout"`
	UpdateBuffer int    `json:"update_buffer"`
	// Workers bounds concurrent command jobs.
	Workers int `json:"workers"`
	// CheckWorkers bounds concurrent /check fetches, which run on their
	// own pool.
	CheckWorkers int `json:"check_workers"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	Chat    LogChatConfig `json:"chat"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogChatConfig forwards warnings and errors to an operator chat.
type LogChatConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Driver is one of memory, file, sqlite, badger.
	Driver string `json:"driver"`
	// Path is the file prefix (file), database file (sqlite) or directory (badger).
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout"`
	CompactEvery int    `json:"compact_every"`
}

type SchedulerConfig struct {
	// MaxConcurrent caps simultaneously running checks across all
	// subscriptions. 0 means unbounded.
	MaxConcurrent int    `json:"max_concurrent"`
	CheckTimeout  string `json:"check_timeout"`
}

type SubscriptionsConfig struct {
	Period       string `json:"period"`
	InitialDelay string `json:"initial_delay"`
}

type FetcherConfig struct {
	// Driver is exec or static.
	Driver  string   `json:"driver"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Timeout string   `json:"timeout"`
	// StaticFile holds a fetch response document for the static driver.
	StaticFile string `json:"static_file"`
}

type NotifierConfig struct {
	ChunkLimit  int     `json:"chunk_limit"`
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst"`
	SendTimeout string  `json:"send_timeout"`
}

type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Pprof   bool   `json:"pprof"`
	// Token guards every endpoint except /healthz. Required for non-loopback
	// addresses unless AllowInsecure is set.
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
}
