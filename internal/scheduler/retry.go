package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// retryController computes backoff for one-shot jobs.
//
// The delay before retry n (n = failures so far, starting at 1) is
// min(base * 2^(n-1), maxDelay). With the defaults that is 1s, 2s, 4s ... 30s.
// Jitter is off unless configured.
type retryController struct {
	mu       sync.Mutex
	base     time.Duration
	maxDelay time.Duration
	jitter   float64
	rng      *rand.Rand
}

func newRetryController(cfg Config) *retryController {
	r := &retryController{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	r.apply(cfg)
	return r
}

func (r *retryController) apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.base = cfg.RetryBase
	r.maxDelay = cfg.RetryMaxDelay
	r.jitter = cfg.RetryJitter
	r.mu.Unlock()
}

func (r *retryController) shouldRetry(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

func (r *retryController) nextDelay(attempt int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxDelay {
			d = r.maxDelay
			break
		}
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	if r.jitter > 0 {
		f := (r.rng.Float64()*2 - 1) * r.jitter
		d = time.Duration(float64(d) * (1 + f))
		if d < 0 {
			d = 0
		}
		if d > r.maxDelay {
			d = r.maxDelay
		}
	}
	return d
}
