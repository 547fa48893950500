package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for running-state and stats bookkeeping.
// Timers still use the real clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer sets the tracer used for job.run spans. The default comes from
// the global otel TracerProvider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// JobOption configures a single job at registration.
type JobOption func(*jobOptions)

type jobOptions struct {
	maxRetries int
	overlap    OverlapPolicy
	overlapSet bool
}

// WithMaxRetries sets the total number of attempts for a one-shot job.
// Values below 1 mean a single attempt.
func WithMaxRetries(n int) JobOption {
	return func(o *jobOptions) {
		if n < 1 {
			n = 1
		}
		o.maxRetries = n
	}
}

// WithOverlap sets the overlap policy for a recurring job.
func WithOverlap(p OverlapPolicy) JobOption {
	return func(o *jobOptions) {
		o.overlap = p
		o.overlapSet = true
	}
}

// WithTimeout bounds each run of h by d. The scheduler itself never imposes a
// timeout; callers wrap handlers that need one. d <= 0 returns h unchanged.
func WithTimeout(d time.Duration, h Handler) Handler {
	if d <= 0 || h == nil {
		return h
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return h(ctx)
	}
}
