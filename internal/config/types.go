package config

// Config is the jobrunner configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is optional; nil or driver "none" disables run history.
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Ops         OpsConfig         `json:"ops,omitempty"`
	Tracing     TracingConfig     `json:"tracing,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// MaxPerSec throttles below-warn lines. 0 disables throttling.
	MaxPerSec int `json:"max_per_sec,omitempty" validate:"gte=0"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig tunes retries and estimation.
//
// Defaults (when fields are omitted/zero):
//   - max_retries: 3 (total attempts for one-shot jobs)
//   - retry_base: "1s"
//   - retry_max_delay: "30s"
//   - retry_jitter: 0 (deterministic)
//   - estimator_window: 5
//   - overlap: "allow"
//   - drain_timeout: "10s"
type SchedulerConfig struct {
	MaxRetries      int     `json:"max_retries,omitempty" validate:"gte=0,lte=100"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	RetryJitter     float64 `json:"retry_jitter,omitempty" validate:"gte=0,lte=1"`
	EstimatorWindow int     `json:"estimator_window,omitempty" validate:"gte=0,lte=1000"`
	Overlap         string  `json:"overlap,omitempty" validate:"omitempty,oneof=allow skip"`

	// Timezone for cron specs (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// DrainTimeout bounds how long Stop waits for running handlers.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// StorageConfig controls the run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobrunner.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	// Retention is how long run records are kept. Default "168h".
	Retention string `json:"retention,omitempty"`
}

// MaintenanceConfig controls the built-in housekeeping jobs.
type MaintenanceConfig struct {
	// PruneInterval is how often old run records are deleted. Default "1h".
	// Use "0s" to disable pruning.
	PruneInterval string `json:"prune_interval,omitempty"`

	// CompactOnStart enqueues a one-shot store compaction at startup.
	CompactOnStart bool `json:"compact_on_start,omitempty"`
	CompactRetries int  `json:"compact_retries,omitempty" validate:"gte=0,lte=20"`
}

// OpsConfig controls the optional operations HTTP server
// (/healthz, /jobs, /metrics, /debug).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Profiler mounts net/http/pprof under /debug.
	Profiler bool `json:"profiler,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so
	// /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

// TracingConfig controls OTLP/HTTP span export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty" validate:"required_if=Enabled true"` // host:port
	URLPath     string  `json:"url_path,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty" validate:"gte=0,lte=1"`
}
