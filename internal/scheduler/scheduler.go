package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

const tracerName = "jobrunner/internal/scheduler"

// Scheduler runs one-shot and recurring jobs in-process.
//
// All job state lives in memory. Handler failures never reach the caller;
// they are visible through logs, bus events and Stats.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	started bool
	closed  bool
	baseCtx context.Context

	reg   *registry
	est   *estimator
	retry *retryController
	exec  *executor

	cron   *cron.Cron
	parser cron.Parser

	log    logx.Logger
	bus    eventbus.Bus
	tracer trace.Tracer
	now    func() time.Time
}

// New builds a Scheduler. bus may be nil. Call Init before registering jobs.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		cfg:     cfg,
		baseCtx: context.Background(),
		reg:     newRegistry(),
		est:     newEstimator(cfg.EstimatorWindow),
		retry:   newRetryController(cfg),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:    log,
		bus:    bus,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLogger{log: log}),
	)
	s.exec = &executor{
		reg:    s.reg,
		est:    s.est,
		retry:  s.retry,
		log:    log,
		bus:    bus,
		tracer: s.tracer,
		now:    s.now,
		ctx:    s.context,
	}
	return s
}

// Init binds the context handed to handlers and starts cron triggering.
// Cancelling ctx later does not cancel running handlers; Shutdown drains.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = context.WithoutCancel(ctx)
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started",
		logx.Int("max_retries", s.cfg.DefaultMaxRetries),
		logx.Duration("retry_base", s.cfg.RetryBase),
		logx.Duration("retry_max", s.cfg.RetryMaxDelay),
		logx.String("overlap", s.cfg.Overlap.String()),
		logx.String("tz", s.cfg.Location.String()),
	)
	return nil
}

// Apply updates retry tuning and registration defaults at runtime. Jobs
// already registered keep their maxAttempts and overlap policy. The estimator
// window and cron location are fixed at New.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	cfg.EstimatorWindow = s.cfg.EstimatorWindow
	cfg.Location = s.cfg.Location
	s.cfg = cfg
	s.mu.Unlock()

	s.retry.apply(cfg)
	s.log.Debug("scheduler config applied",
		logx.Int("max_retries", cfg.DefaultMaxRetries),
		logx.Duration("retry_base", cfg.RetryBase),
		logx.Duration("retry_max", cfg.RetryMaxDelay),
		logx.Float64("retry_jitter", cfg.RetryJitter),
	)
}

// Enqueue registers a one-shot job and runs it immediately. Failed runs are
// retried with exponential backoff until the job's attempts are exhausted.
func (s *Scheduler) Enqueue(name string, h Handler, opts ...JobOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if h == nil {
		return "", ErrNilHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return "", err
	}
	o := s.jobOptionsLocked(opts)

	now := s.now()
	j := &job{
		name:        name,
		handler:     h,
		kind:        KindOneShot,
		createdAt:   now,
		maxAttempts: o.maxRetries,
	}
	for {
		j.id = oneShotID(name, now)
		if s.reg.insert(j) {
			break
		}
	}
	s.exec.dispatch(j)

	s.log.Debug("job.enqueued", logx.String("id", j.id), logx.String("job", name), logx.Int("max_attempts", j.maxAttempts))
	return j.id, nil
}

// Schedule registers a recurring job that runs now and then every interval,
// whether or not the previous run has finished. Scheduling a name again
// replaces the earlier job.
func (s *Scheduler) Schedule(name string, h Handler, every time.Duration, opts ...JobOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if h == nil {
		return "", ErrNilHandler
	}
	if every <= 0 {
		return "", ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return "", err
	}
	o := s.jobOptionsLocked(opts)

	now := s.now()
	j := &job{
		id:        recurringID(name),
		name:      name,
		handler:   h,
		kind:      KindRecurring,
		overlap:   o.overlap,
		createdAt: now,
		interval:  every,
		lastRunAt: now,
	}
	s.reg.insert(j)
	s.exec.dispatch(j)
	s.reg.arm(j, func() stopper { return s.startTicker(j, every) })

	s.log.Debug("job.scheduled", logx.String("id", j.id), logx.String("job", name), logx.Duration("every", every), logx.String("overlap", j.overlap.String()))
	return j.id, nil
}

// ScheduleCron is Schedule driven by a cron spec instead of a fixed
// interval. Specs accept 5 or 6 fields (leading seconds), descriptors like
// "@hourly", and "@every 90s".
func (s *Scheduler) ScheduleCron(name, spec string, h Handler, opts ...JobOption) (string, error) {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" {
		return "", ErrNameRequired
	}
	if h == nil {
		return "", ErrNilHandler
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return "", err
	}
	o := s.jobOptionsLocked(opts)

	now := s.now()
	j := &job{
		id:        recurringID(name),
		name:      name,
		handler:   h,
		kind:      KindRecurring,
		overlap:   o.overlap,
		createdAt: now,
		spec:      spec,
		lastRunAt: now,
	}
	s.reg.insert(j)
	s.exec.dispatch(j)
	s.reg.arm(j, func() stopper {
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.exec.dispatch(j) }))
		j.cronEntry = id
		return stopFunc(func() { s.cron.Remove(id) })
	})

	s.log.Debug("job.scheduled", logx.String("id", j.id), logx.String("job", name), logx.String("spec", spec), logx.Time("next", sched.Next(now.In(s.cfg.Location))))
	return j.id, nil
}

// Cancel stops future runs of id and removes it. A run already in flight
// completes on its own. It reports whether a job was found.
func (s *Scheduler) Cancel(id string) bool {
	j, ok := s.reg.get(id)
	if !ok {
		return false
	}
	if !s.reg.removeJob(j) {
		return false
	}
	s.log.Debug("job.cancelled", logx.String("id", id), logx.String("job", j.name))
	s.exec.publish(EventCancelled, j, JobEvent{})
	return true
}

// Stats returns a snapshot of every registered job.
func (s *Scheduler) Stats() Stats {
	now := s.now()
	jobs := s.reg.all()

	out := Stats{TotalJobs: len(jobs), Jobs: make([]JobStats, 0, len(jobs))}
	for _, j := range jobs {
		st := JobStats{
			ID:          j.id,
			Name:        j.name,
			Kind:        j.kind.String(),
			Scheduled:   j.kind == KindRecurring,
			Running:     j.inflight > 0,
			InFlight:    j.inflight,
			Interval:    j.interval,
			Spec:        j.spec,
			Attempts:    j.attempts,
			MaxAttempts: j.maxAttempts,
		}
		if st.Running {
			st.RunningFor = now.Sub(j.running.startedAt)
			if st.RunningFor < 0 {
				st.RunningFor = 0
			}
			if j.running.hasEstimate {
				st.Estimated = true
				st.EstimatedRemaining = max(0, j.running.estimate-st.RunningFor)
			}
		}
		if st.Scheduled {
			out.ScheduledJobs++
			st.LastRunAt = j.lastRunAt
			switch {
			case j.interval > 0:
				st.NextRunAt = j.lastRunAt.Add(j.interval)
			case j.spec != "":
				st.NextRunAt = s.cron.Entry(j.cronEntry).Next
			}
		}
		out.Jobs = append(out.Jobs, st)
	}
	sort.Slice(out.Jobs, func(a, b int) bool { return out.Jobs[a].ID < out.Jobs[b].ID })
	return out
}

// InFlight returns the number of handler runs that have not returned yet.
func (s *Scheduler) InFlight() int { return s.exec.inflight.count() }

// Shutdown stops every trigger and clears the registry. Handlers already
// running are left to finish; use Wait to drain them. Shutdown is terminal.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	n := s.reg.clear()
	s.mu.Unlock()

	s.log.Info("shutdown requested", logx.Int("jobs", n), logx.Int("in_flight", s.exec.inflight.count()))

	var err error
	if started {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Wait blocks until no handler is running or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.exec.inflight.wait(ctx)
}

func (s *Scheduler) openLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) jobOptionsLocked(opts []JobOption) jobOptions {
	o := jobOptions{maxRetries: s.cfg.DefaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if !o.overlapSet {
		o.overlap = s.cfg.Overlap
	}
	return o
}

// startTicker fires dispatch every interval until stopped.
func (s *Scheduler) startTicker(j *job, every time.Duration) stopper {
	t := time.NewTicker(every)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				s.exec.dispatch(j)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return stopFunc(func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	})
}

func oneShotID(name string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", name, now.UnixMilli(), suffix)
}

func recurringID(name string) string { return "scheduled-" + name }

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron."+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron."+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
