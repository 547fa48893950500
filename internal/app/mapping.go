package app

import (
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/observability"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

const (
	defaultDrainTimeout  = 10 * time.Second
	defaultRetention     = 7 * 24 * time.Hour
	defaultPruneInterval = time.Hour
	defaultCompactTries  = 3
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		MaxPerSec: cfg.Logging.MaxPerSec,
	}
}

// schedulerSettings is the scheduler section resolved to typed values.
type schedulerSettings struct {
	sched scheduler.Config
	drain time.Duration
}

func mapScheduler(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	base, err := config.ParseDurationField("scheduler.retry_base", sc.RetryBase)
	if err != nil {
		return schedulerSettings{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", sc.RetryMaxDelay)
	if err != nil {
		return schedulerSettings{}, err
	}
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", sc.DrainTimeout, defaultDrainTimeout)
	if err != nil {
		return schedulerSettings{}, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return schedulerSettings{}, err
		}
		loc = l
	}

	overlap := scheduler.OverlapAllow
	if strings.EqualFold(strings.TrimSpace(sc.Overlap), "skip") {
		overlap = scheduler.OverlapSkipIfRunning
	}

	return schedulerSettings{
		sched: scheduler.Config{
			DefaultMaxRetries: sc.MaxRetries,
			RetryBase:         base,
			RetryMaxDelay:     maxDelay,
			RetryJitter:       sc.RetryJitter,
			EstimatorWindow:   sc.EstimatorWindow,
			Overlap:           overlap,
			Location:          loc,
		},
		drain: drain,
	}, nil
}

// storageSettings is the storage section resolved to typed values.
// enabled is false when the section is absent or the driver is "none".
type storageSettings struct {
	store     storage.Config
	retention time.Duration
	enabled   bool
}

func mapStorage(cfg *config.Config) (storageSettings, error) {
	if cfg.Storage == nil {
		return storageSettings{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storageSettings{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storageSettings{}, err
	}
	retention, err := config.ParseDurationAllowZero("storage.retention", sc.Retention, defaultRetention)
	if err != nil {
		return storageSettings{}, err
	}
	return storageSettings{
		store:     storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy},
		retention: retention,
		enabled:   true,
	}, nil
}

// maintenanceSettings drives the built-in runlog jobs.
type maintenanceSettings struct {
	pruneEvery     time.Duration // 0 disables pruning
	compactOnStart bool
	compactTries   int
}

func mapMaintenance(cfg *config.Config) (maintenanceSettings, error) {
	mc := cfg.Maintenance
	every, err := config.ParseDurationAllowZero("maintenance.prune_interval", mc.PruneInterval, defaultPruneInterval)
	if err != nil {
		return maintenanceSettings{}, err
	}
	tries := mc.CompactRetries
	if tries <= 0 {
		tries = defaultCompactTries
	}
	return maintenanceSettings{
		pruneEvery:     every,
		compactOnStart: mc.CompactOnStart,
		compactTries:   tries,
	}, nil
}

func mapOps(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	write, err := config.ParseDurationAllowZero("ops.write_timeout", oc.WriteTimeout, 0)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	return observability.Config{
		Enabled:              oc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Profiler:             oc.Profiler,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}
