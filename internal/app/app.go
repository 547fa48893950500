// Package app wires the jobrunner host: config, logging, the scheduler and
// its collaborators (run history, metrics, ops server, tracing).
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/observability"
	"jobrunner/internal/runlog"
	"jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
	"jobrunner/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tp    *sdktrace.TracerProvider

	sched    *scheduler.Scheduler
	recorder *runlog.Recorder
	metrics  *observability.Metrics
	ops      *observability.Server

	retention time.Duration
	maint     maintenanceSettings

	mu    sync.Mutex
	drain time.Duration
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ss, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	st, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	maint, err := mapMaintenance(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if st.enabled {
		store, err = storage.Open(st.store, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", st.store.Driver))
	}

	tp, err := setupTracing(context.Background(), cfg.Tracing)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	var schedOpts []scheduler.Option
	if tp != nil {
		schedOpts = append(schedOpts, scheduler.WithTracer(tp.Tracer("jobrunner/internal/scheduler")))
		appLog.Info("tracing enabled", logx.String("endpoint", cfg.Tracing.Endpoint))
	}

	sched := scheduler.New(ss.sched, log.With(logx.String("comp", "scheduler")), bus, schedOpts...)

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		tp:        tp,
		sched:     sched,
		metrics:   observability.NewMetrics(sched, bus),
		retention: st.retention,
		maint:     maint,
		drain:     ss.drain,
	}

	deps := observability.Deps{Jobs: sched, Metrics: a.metrics}
	if store != nil {
		a.recorder = runlog.New(store, bus, log.With(logx.String("comp", "runlog")))
		deps.Runs = store
	}
	a.ops = observability.NewServer(opsCfg, deps, log.With(logx.String("comp", "ops")))
	return a, nil
}

// Scheduler returns the scheduler so the host can register its jobs.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional reload: a config the app cannot map is never committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapScheduler(cfg); err != nil {
			return err
		}
		if _, err := mapStorage(cfg); err != nil {
			return err
		}
		if _, err := mapMaintenance(cfg); err != nil {
			return err
		}
		_, err := mapOps(cfg)
		return err
	})

	if err := a.sched.Init(a.sup.Context()); err != nil {
		return err
	}

	if a.recorder != nil {
		a.sup.Go("runlog.recorder", a.recorder.Run)
	}
	a.sup.Go("metrics.consume", a.metrics.Consume)

	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, systemd.WatchdogInterval())
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug-level: recurring jobs are chatty.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.registerMaintenance(); err != nil {
		return err
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) registerMaintenance() error {
	if a.store == nil {
		return nil
	}
	log := a.log.With(logx.String("comp", "runlog"))
	if a.maint.pruneEvery > 0 && a.retention > 0 {
		if _, err := a.sched.Schedule(runlog.PruneJob,
			runlog.PruneHandler(a.store, a.retention, log),
			a.maint.pruneEvery,
			scheduler.WithOverlap(scheduler.OverlapSkipIfRunning),
		); err != nil {
			return err
		}
	}
	if a.maint.compactOnStart {
		if _, err := a.sched.Enqueue(runlog.CompactJob,
			runlog.CompactHandler(a.store, log),
			scheduler.WithMaxRetries(a.maint.compactTries),
		); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "tracing" || s == "maintenance" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	if ss, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ss.sched)
		a.mu.Lock()
		a.drain = ss.drain
		a.mu.Unlock()
	}

	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the scheduler down and drains running handlers before the
// recorder, ops server, tracer and store go away, so the last runs are
// still recorded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.mu.Lock()
	drain := a.drain
	a.mu.Unlock()

	stopStep(ctx, a.log, "scheduler", drain, func(c context.Context) error {
		if err := a.sched.Shutdown(c); err != nil {
			return err
		}
		return a.sched.Wait(c)
	})
	// Counted before the recorder stops so the error reflects the drain.
	undrained := a.sched.InFlight()

	a.sup.Cancel()
	stopStep(ctx, a.log, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	stopStep(ctx, a.log, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.tp != nil {
		stopStep(ctx, a.log, "tracing", 2*time.Second, func(c context.Context) error { return a.tp.Shutdown(c) })
	}
	if a.store != nil {
		stopStep(ctx, a.log, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	if undrained > 0 {
		a.log.Warn("stopped with handlers still running", logx.Int("in_flight", undrained))
	} else {
		a.log.Info("stopped")
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if undrained > 0 {
		return fmt.Errorf("%d handler runs still in flight after drain", undrained)
	}
	return nil
}
