package storage

import (
	"errors"
	"time"
	"unicode/utf8"
)

var (
	ErrClosed = errors.New("storage closed")
	ErrLocked = errors.New("storage locked by another process")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values recorded for a run.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// RunRecord is one finished handler run. Keep it compact and schema-stable.
type RunRecord struct {
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	Attempt    int       `json:"attempt,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// MaxErrorLen bounds RunRecord.Error in stored records.
const MaxErrorLen = 4096

// normalize fills missing timestamps and truncates Error to MaxErrorLen
// bytes on a rune boundary.
func normalize(r RunRecord) RunRecord {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.FinishedAt
	}
	if len(r.Error) > MaxErrorLen {
		cut := MaxErrorLen
		for cut > 0 && !utf8.RuneStart(r.Error[cut]) {
			cut--
		}
		r.Error = r.Error[:cut]
	}
	return r
}

// RunQuery filters RecentRuns. Zero values mean no filter; Limit <= 0
// means DefaultRunLimit.
type RunQuery struct {
	Name    string
	Outcome string
	Limit   int
}

const (
	DefaultRunLimit = 50
	MaxRunLimit     = 1000
)

func (q RunQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultRunLimit
	case q.Limit > MaxRunLimit:
		return MaxRunLimit
	default:
		return q.Limit
	}
}

func (q RunQuery) match(r RunRecord) bool {
	if q.Name != "" && r.Name != q.Name {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	return true
}
