package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "10s", "1m"); Resolve turns them into typed settings.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	Jobs        JobsConfig        `json:"jobs"`
	Retry       RetryConfig       `json:"retry"`
	Notify      NotifyConfig      `json:"notify"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Schedules   []ScheduleConfig  `json:"schedules,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the queue backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mailqueue.db" }
type StorageConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path,omitempty"`
	DSN      string `json:"dsn,omitempty"` // do not log
	Database string `json:"database,omitempty"`
	Prefix   string `json:"prefix,omitempty"`

	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
}

// QueueConfig controls the worker pool.
//
// Defaults: name "default", workers 2, poll_interval 1s, lease_duration 30s,
// shutdown_grace 10s.
type QueueConfig struct {
	Name          string `json:"name"`
	Workers       int    `json:"workers"`
	PollInterval  string `json:"poll_interval,omitempty"`
	LeaseDuration string `json:"lease_duration,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// JobsConfig holds the limits stamped on dispatched jobs.
type JobsConfig struct {
	MaxAttempts   int    `json:"max_attempts"`
	MaxExceptions int    `json:"max_exceptions"`
	Timeout       string `json:"timeout"`
}

type RetryConfig struct {
	Strategy string   `json:"strategy"` // exponential | fixed | linear | schedule
	Base     string   `json:"base,omitempty"`
	Max      string   `json:"max,omitempty"`
	Schedule []string `json:"schedule,omitempty"`
	// MaxHint bounds retry-after hints from sinks (e.g. Telegram 429).
	MaxHint string `json:"max_hint,omitempty"`
}

type NotifyConfig struct {
	Driver   string         `json:"driver"` // log | telegram
	LogDelay string         `json:"log_delay,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token      string  `json:"token"` // do not log
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Offline    bool    `json:"offline,omitempty"`
}

type MaintenanceConfig struct {
	// PruneSpec defaults to "@every 1h"; "off" disables pruning.
	PruneSpec string `json:"prune_spec,omitempty"`
	Retention string `json:"retention,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type ScheduleConfig struct {
	Name      string `json:"name"`
	Spec      string `json:"spec"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Queue     string `json:"queue,omitempty"`
}

// HTTPConfig controls the optional HTTP API.
//
// Prefer binding to localhost; the API has no authentication.
type HTTPConfig struct {
	Enabled         bool        `json:"enabled"`
	Addr            string      `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout     string      `json:"read_timeout,omitempty"`
	WriteTimeout    string      `json:"write_timeout,omitempty"`
	ShutdownTimeout string      `json:"shutdown_timeout,omitempty"`
	Pprof           PprofConfig `json:"pprof"`
}

// PprofConfig mounts /debug/pprof on the HTTP API. A token is required
// unless addr is a loopback address.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
}
