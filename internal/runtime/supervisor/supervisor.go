// Package supervisor runs the host's long-lived goroutines under one context
// with panic recovery, optional restart-with-backoff and a drain barrier.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "jobrunner/pkg/logx"
)

// Supervisor manages named goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr error
	errMu    sync.Mutex

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*loopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error (or panic) from a Go goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*loopStats{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.errMu.Lock()
		s.firstErr = err
		s.errMu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned error other than context.Canceled, or a
// panic, is recorded as the supervisor's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
		}
		s.noteStop(name, err)
		s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
	}()
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before giving up. The initial run is not
// counted. Giving up records the last error on the supervisor.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic, with jittered
// exponential backoff, until the context is done. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := cfg.minBackoff
		restarts := 0
		for s.ctx.Err() == nil {
			startedAt := s.noteStart(name, restarts > 0)
			err := s.call(name, fn)

			// Shutdown and clean exits both stop the loop.
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.setErr(err)
				return
			}
			// A loop that ran for a while earns a fresh backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

// LoopStats is an aggregated view of goroutines started under one name.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

type loopStats struct {
	active      int
	started     uint64
	restarts    uint64
	panics      uint64
	lastStartAt time.Time
	lastErr     string
}

func (s *Supervisor) entry(name string) *loopStats {
	st := s.stats[name]
	if st == nil {
		st = &loopStats{}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.entry(name)
	st.active++
	st.started++
	if restart {
		st.restarts++
	}
	st.lastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	st := s.entry(name)
	if st.active > 0 {
		st.active--
	}
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.entry(name).panics++
	s.mu.Unlock()
}

// Snapshot returns per-name stats sorted by name.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats))
	for name, st := range s.stats {
		out = append(out, LoopStats{
			Name:        name,
			Active:      st.active,
			Started:     st.started,
			Restarts:    st.restarts,
			Panics:      st.panics,
			LastStartAt: st.lastStartAt,
			LastErr:     st.lastErr,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
