// Package runlog persists finished job runs from the event bus into the
// run history store and provides the store's maintenance handlers.
package runlog

import (
	"context"
	"sync/atomic"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// Recorder appends terminal job events (succeeded, failed, exhausted) to a
// Store. Writes are best-effort: a failed append is logged and counted.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	writeTimeout time.Duration

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWriteTimeout bounds each AppendRun call. Default 2s.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// New subscribes to bus immediately so no event published after New returns
// is missed. Call Run to consume.
func New(store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, log: log, writeTimeout: 2 * time.Second}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	r.events, r.unsub = bus.Subscribe(256,
		scheduler.EventSucceeded,
		scheduler.EventFailed,
		scheduler.EventExhausted,
	)
	return r
}

// Run consumes events until ctx is done, then flushes whatever is already
// buffered and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			r.record(context.WithoutCancel(ctx), e)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.record(context.Background(), e)
		default:
			return
		}
	}
}

// Recorded returns how many runs were appended.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Failed returns how many appends failed.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	rec, ok := toRecord(e)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Warn("run not recorded",
			logx.String("job_id", rec.JobID),
			logx.String("outcome", rec.Outcome),
			logx.Err(err),
		)
		return
	}
	r.recorded.Add(1)
}

func toRecord(e eventbus.Event) (storage.RunRecord, bool) {
	je, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	var outcome string
	switch e.Type {
	case scheduler.EventSucceeded:
		outcome = storage.OutcomeSucceeded
	case scheduler.EventFailed:
		outcome = storage.OutcomeFailed
	case scheduler.EventExhausted:
		outcome = storage.OutcomeExhausted
	default:
		return storage.RunRecord{}, false
	}

	started := je.Started
	finished := e.Time
	if !started.IsZero() && je.Duration > 0 {
		finished = started.Add(je.Duration)
	}
	if started.IsZero() {
		started = finished
	}
	return storage.RunRecord{
		JobID:      je.ID,
		Name:       je.Name,
		Kind:       je.Kind,
		Outcome:    outcome,
		Attempt:    je.Attempt,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: je.Duration.Milliseconds(),
		Error:      je.Error,
	}, true
}
