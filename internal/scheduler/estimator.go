package scheduler

import (
	"sync"
	"time"
)

// estimator keeps the last N successful run durations per job name and
// predicts the next one as their mean. Names are never evicted; the job
// catalog is expected to be small.
type estimator struct {
	mu      sync.Mutex
	window  int
	samples map[string][]time.Duration
}

func newEstimator(window int) *estimator {
	if window <= 0 {
		window = defaultEstimatorWindow
	}
	return &estimator{window: window, samples: map[string][]time.Duration{}}
}

func (e *estimator) record(name string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := append(e.samples[name], d)
	if len(s) > e.window {
		// Copy so the backing array doesn't grow without bound.
		s = append([]time.Duration(nil), s[len(s)-e.window:]...)
	}
	e.samples[name] = s
}

// estimate returns the mean of the stored samples, or false when there are none.
func (e *estimator) estimate(name string) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.samples[name]
	if len(s) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	return sum / time.Duration(len(s)), true
}
