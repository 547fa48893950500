package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// slowRun promotes completion logs from debug to info.
const slowRun = 750 * time.Millisecond

// executor runs a job's handler once and applies the outcome to the registry.
// Failures never propagate to the caller.
type executor struct {
	reg   *registry
	est   *estimator
	retry *retryController

	log    logx.Logger
	bus    eventbus.Bus
	tracer trace.Tracer
	now    func() time.Time

	// ctx returns the base context handed to handlers.
	ctx func() context.Context

	inflight tracker
}

// dispatch runs j on its own goroutine.
func (e *executor) dispatch(j *job) {
	e.inflight.add()
	go func() {
		defer e.inflight.done()
		e.run(j)
	}()
}

func (e *executor) run(j *job) {
	startedAt := e.now()
	est, hasEst := e.est.estimate(j.name)

	attempt := 0
	skipped := false
	registered := e.reg.update(j, func(j *job) {
		if j.overlap == OverlapSkipIfRunning && j.inflight > 0 {
			skipped = true
			return
		}
		j.inflight++
		j.running = runningState{startedAt: startedAt, estimate: est, hasEstimate: hasEst}
		if j.kind == KindOneShot {
			attempt = j.attempts + 1
		}
	})
	if !registered {
		// Cancelled or replaced between trigger and run.
		e.log.Debug("job.stale_trigger", logx.String("id", j.id), logx.String("job", j.name))
		return
	}
	if skipped {
		e.log.Debug("job.skipped", logx.String("id", j.id), logx.String("job", j.name), logx.String("reason", "overlap"))
		e.publish(EventSkipped, j, JobEvent{Started: startedAt, Error: "overlap_skip"})
		return
	}

	e.log.Debug("job.started", logx.String("id", j.id), logx.String("job", j.name), logx.Int("attempt", attempt))
	e.publish(EventStarted, j, JobEvent{Started: startedAt, Attempt: attempt})

	ctx, span := e.tracer.Start(e.ctx(), "job.run", trace.WithAttributes(
		attribute.String("job.id", j.id),
		attribute.String("job.name", j.name),
		attribute.String("job.kind", j.kind.String()),
		attribute.Int("job.attempt", attempt),
	))
	err := e.invoke(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	finishedAt := e.now()
	dur := finishedAt.Sub(startedAt)
	if err == nil {
		e.succeeded(j, startedAt, finishedAt, dur, attempt)
		return
	}
	e.failed(j, startedAt, dur, attempt, err)
}

func (e *executor) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job.panic", logx.String("id", j.id), logx.String("job", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.handler(ctx)
}

func (e *executor) succeeded(j *job, startedAt, finishedAt time.Time, dur time.Duration, attempt int) {
	e.est.record(j.name, dur)

	e.reg.update(j, func(j *job) {
		endRun(j)
		if j.kind == KindRecurring {
			j.lastRunAt = finishedAt
		}
	})
	if j.kind == KindOneShot {
		e.reg.removeJob(j)
	}

	fields := []logx.Field{logx.String("id", j.id), logx.String("job", j.name), logx.Duration("dur", dur), logx.Int("attempt", attempt)}
	if dur >= slowRun {
		e.log.Info("job.succeeded", fields...)
	} else {
		e.log.Debug("job.succeeded", fields...)
	}
	e.publish(EventSucceeded, j, JobEvent{Started: startedAt, Duration: dur, Attempt: attempt})
}

func (e *executor) failed(j *job, startedAt time.Time, dur time.Duration, attempt int, runErr error) {
	attempts, maxAttempts := 0, 0
	registered := e.reg.update(j, func(j *job) {
		endRun(j)
		if j.kind == KindOneShot {
			j.attempts++
			attempts, maxAttempts = j.attempts, j.maxAttempts
		}
	})

	e.log.Warn("job.failed",
		logx.String("id", j.id),
		logx.String("job", j.name),
		logx.String("kind", j.kind.String()),
		logx.Duration("dur", dur),
		logx.Int("attempt", attempt),
		logx.Err(runErr),
	)
	e.publish(EventFailed, j, JobEvent{Started: startedAt, Duration: dur, Attempt: attempt, Error: runErr.Error()})

	// Recurring jobs wait for their next tick; cancelled jobs are gone.
	if !registered || j.kind == KindRecurring {
		return
	}

	if IsNoRetry(runErr) || !e.retry.shouldRetry(attempts, maxAttempts) {
		e.log.Error("job.exhausted",
			logx.String("id", j.id),
			logx.String("job", j.name),
			logx.Int("attempts", attempts),
			logx.Int("max_attempts", maxAttempts),
			logx.Bool("no_retry", IsNoRetry(runErr)),
			logx.Err(runErr),
		)
		e.reg.removeJob(j)
		e.publish(EventExhausted, j, JobEvent{Started: startedAt, Duration: dur, Attempt: attempts, Error: runErr.Error()})
		return
	}

	delay := e.retry.nextDelay(attempts)
	armed := e.reg.arm(j, func() stopper {
		t := time.AfterFunc(delay, func() { e.dispatch(j) })
		return stopFunc(func() { t.Stop() })
	})
	if !armed {
		return
	}
	e.log.Debug("job.retry_scheduled", logx.String("id", j.id), logx.String("job", j.name), logx.Int("next_attempt", attempts+1), logx.Duration("delay", delay))
	e.publish(EventRetryScheduled, j, JobEvent{Attempt: attempts + 1, Delay: delay, Error: runErr.Error()})
}

func (e *executor) publish(typ string, j *job, ev JobEvent) {
	if e.bus == nil {
		return
	}
	ev.ID = j.id
	ev.Name = j.name
	ev.Kind = j.kind.String()
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: ev})
}

// endRun clears running state once the last in-flight run completes.
func endRun(j *job) {
	if j.inflight > 0 {
		j.inflight--
	}
	if j.inflight == 0 {
		j.running = runningState{}
	}
}

// tracker counts in-flight handler runs so the host can drain them.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	if t.n > 0 {
		t.n--
		if t.n == 0 && t.idle != nil {
			close(t.idle)
		}
	}
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		// More work may have been dispatched since; wait for that too.
		return t.wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}
