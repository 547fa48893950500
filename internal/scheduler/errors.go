package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted      = errors.New("scheduler not started")
	ErrClosed          = errors.New("scheduler shut down")
	ErrNameRequired    = errors.New("job name required")
	ErrNilHandler      = errors.New("job handler is nil")
	ErrInvalidInterval = errors.New("job interval must be > 0")
	ErrInvalidSpec     = errors.New("invalid cron spec")
)

// NoRetry marks a one-shot failure as permanent: the job is dropped without
// further attempts. Recurring jobs ignore the mark.
//
//	return scheduler.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
