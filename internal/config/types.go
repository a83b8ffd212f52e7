package config

// Config is the cronkeeper configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// Every section may be omitted; see Default for the values used then.
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Mutex    MutexConfig    `json:"mutex"`
	Launcher LauncherConfig `json:"launcher"`
	Wrapper  WrapperConfig  `json:"wrapper"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sweep    SweepConfig    `json:"sweep"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// StorageConfig locates the SQLite database shared by every process.
//
// Example:
//
//	"storage": { "path": "/var/lib/cronkeeper/tasks.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MutexConfig selects the per-task lock backend.
//
// Kind accepts "file", "database" or "lockservice" (and their aliases).
// The CRONKEEPER_MUTEX environment variable overrides it.
type MutexConfig struct {
	Kind string `json:"kind"`
	// Dir holds lock files (file kind, flock provider).
	Dir string `json:"dir,omitempty"`

	// Provider is "flock" (default) or "redis" for the lockservice kind.
	Provider  string `json:"provider,omitempty"`
	RedisAddr string `json:"redis_addr,omitempty"`
	RedisDB   int    `json:"redis_db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	// TTL bounds redis leases. Unset keeps them until released: the dispatcher
	// drops its leases after every pass, and a crash mid-pass leaves the key
	// for an operator to delete.
	TTL string `json:"ttl,omitempty"`
}

// LauncherConfig controls how wrappers are detached.
type LauncherConfig struct {
	// Mode is "setsid" (default) or "systemd".
	Mode       string `json:"mode"`
	Executable string `json:"executable,omitempty"`
	UserBus    bool   `json:"user_bus,omitempty"`
	UnitPrefix string `json:"unit_prefix,omitempty"`
}

// WrapperConfig controls the per-run supervisor.
type WrapperConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default 1s
	OutputDir    string `json:"output_dir,omitempty"`    // default os.TempDir()
	LogFile      string `json:"log_file,omitempty"`      // JSON log, default <storage dir>/wrapper.log
}

// DispatchConfig controls the dispatch pass.
type DispatchConfig struct {
	// Timezone schedules are evaluated in (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// SpawnRatePerSec throttles wrapper launches; 0 disables throttling.
	SpawnRatePerSec float64 `json:"spawn_rate_per_sec,omitempty"`
	SpawnBurst      int     `json:"spawn_burst,omitempty"`
}

// SweepConfig controls the stale-run sweep.
type SweepConfig struct {
	Threshold string `json:"threshold,omitempty"` // default 24h
	// Interval enables the periodic sweep in serve mode; "0s" disables it.
	Interval string `json:"interval,omitempty"`
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

// MetricsConfig controls the HTTP endpoint of serve mode.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - pprof is only mounted when Pprof is true.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
