package scheduler

import (
	"context"
	"time"
)

// Handler is a unit of work. A returned error or a panic counts as a failure.
// Handlers may be retried, so they must be safe to run more than once.
type Handler func(ctx context.Context) error

type Kind int

const (
	KindOneShot Kind = iota
	KindRecurring
)

func (k Kind) String() string {
	switch k {
	case KindOneShot:
		return "one-shot"
	case KindRecurring:
		return "recurring"
	default:
		return "unknown"
	}
}

type OverlapPolicy int

const (
	// OverlapAllow lets a recurring job run concurrently with itself when a
	// run outlives its interval.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a trigger while the same job is in flight.
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip"
	}
	return "allow"
}

// Config controls retry and estimation behavior.
//
// Zero values take defaults: DefaultMaxRetries 3, RetryBase 1s,
// RetryMaxDelay 30s, EstimatorWindow 5. RetryJitter 0 keeps delays
// deterministic; 0.2 spreads each delay by +/-20%.
type Config struct {
	DefaultMaxRetries int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	EstimatorWindow   int
	Overlap           OverlapPolicy

	// Location is used to evaluate cron specs. nil means time.Local.
	Location *time.Location
}

const (
	defaultMaxRetries      = 3
	defaultRetryBase       = time.Second
	defaultRetryMaxDelay   = 30 * time.Second
	defaultEstimatorWindow = 5
)

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryJitter > 1 {
		c.RetryJitter = 1
	}
	if c.EstimatorWindow <= 0 {
		c.EstimatorWindow = defaultEstimatorWindow
	}
	if c.Overlap != OverlapAllow && c.Overlap != OverlapSkipIfRunning {
		c.Overlap = OverlapAllow
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Event types published on the bus.
const (
	EventStarted        = "job.started"
	EventSucceeded      = "job.succeeded"
	EventFailed         = "job.failed"
	EventRetryScheduled = "job.retry_scheduled"
	EventExhausted      = "job.exhausted"
	EventSkipped        = "job.skipped"
	EventCancelled      = "job.cancelled"
)

// JobEvent is the payload of every job.* bus event.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// JobStats is a point-in-time view of one registered job.
//
// RunningFor is set only while Running. EstimatedRemaining is meaningful only
// when Estimated is true. NextRunAt is set only for recurring jobs.
type JobStats struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Scheduled bool   `json:"is_scheduled"`
	Running   bool   `json:"is_running"`
	InFlight  int    `json:"in_flight,omitempty"`

	RunningFor         time.Duration `json:"running_for,omitempty"`
	Estimated          bool          `json:"estimated,omitempty"`
	EstimatedRemaining time.Duration `json:"estimated_remaining,omitempty"`

	Interval  time.Duration `json:"interval,omitempty"`
	Spec      string        `json:"spec,omitempty"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	NextRunAt time.Time     `json:"next_run_at,omitempty"`

	Attempts    int `json:"attempts,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Stats is a read-only snapshot of the registry. Jobs are sorted by ID.
type Stats struct {
	TotalJobs     int        `json:"total_jobs"`
	ScheduledJobs int        `json:"scheduled_jobs"`
	Jobs          []JobStats `json:"jobs"`
}
