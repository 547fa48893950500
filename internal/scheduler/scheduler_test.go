package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

const waitFor = 2 * time.Second

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, eventbus.Bus) {
	t.Helper()

	if cfg.RetryBase == 0 {
		cfg.RetryBase = 20 * time.Millisecond
	}
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, bus
}

func awaitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) JobEvent {
	t.Helper()

	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(JobEvent)
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func findJob(st Stats, id string) (JobStats, bool) {
	for _, j := range st.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobStats{}, false
}

func TestEnqueueRetriesWithBackoffThenGivesUp(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(64, EventRetryScheduled, EventExhausted)
	defer unsub()

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	id, err := s.Enqueue("always-fails", func(context.Context) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("boom")
	}, WithMaxRetries(3))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "always-fails-"))

	first := awaitEvent(t, events, EventRetryScheduled)
	require.Equal(t, 20*time.Millisecond, first.Delay)
	second := awaitEvent(t, events, EventRetryScheduled)
	require.Equal(t, 40*time.Millisecond, second.Delay)
	exhausted := awaitEvent(t, events, EventExhausted)
	require.Equal(t, 3, exhausted.Attempt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	require.GreaterOrEqual(t, calls[1].Sub(calls[0]), 20*time.Millisecond)
	require.GreaterOrEqual(t, calls[2].Sub(calls[1]), 40*time.Millisecond)

	_, found := findJob(s.Stats(), id)
	require.False(t, found)
	require.Zero(t, s.reg.armed())
}

func TestEnqueueSuccessAfterFailureRemovesJob(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(64, EventSucceeded)
	defer unsub()

	var calls atomic.Int32
	id, err := s.Enqueue("flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	ev := awaitEvent(t, events, EventSucceeded)
	require.Equal(t, id, ev.ID)
	require.Equal(t, 2, ev.Attempt)
	require.EqualValues(t, 2, calls.Load())

	_, found := findJob(s.Stats(), id)
	require.False(t, found)
	require.Zero(t, s.Stats().TotalJobs)
}

func TestEnqueueNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(64, EventExhausted)
	defer unsub()

	var calls atomic.Int32
	_, err := s.Enqueue("bad-input", func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("invalid"))
	})
	require.NoError(t, err)

	ev := awaitEvent(t, events, EventExhausted)
	require.Equal(t, 1, ev.Attempt)
	require.Contains(t, ev.Error, "invalid")
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, s.Stats().TotalJobs)
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(64, EventFailed, EventExhausted)
	defer unsub()

	_, err := s.Enqueue("panics", func(context.Context) error {
		panic("kaboom")
	}, WithMaxRetries(1))
	require.NoError(t, err)

	failed := awaitEvent(t, events, EventFailed)
	require.Contains(t, failed.Error, "kaboom")
	awaitEvent(t, events, EventExhausted)
	require.Zero(t, s.Stats().TotalJobs)
}

func TestScheduleRunsImmediately(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	ran := make(chan struct{}, 1)
	id, err := s.Schedule("x", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "scheduled-x", id)

	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("recurring job did not run before its first tick")
	}

	require.Eventually(t, func() bool {
		js, ok := findJob(s.Stats(), id)
		return ok && !js.Running
	}, waitFor, 5*time.Millisecond)

	st := s.Stats()
	require.Equal(t, 1, st.TotalJobs)
	require.Equal(t, 1, st.ScheduledJobs)
	js, _ := findJob(st, id)
	require.True(t, js.Scheduled)
	require.Equal(t, js.LastRunAt.Add(time.Minute), js.NextRunAt)
}

func TestScheduleTicksAndFailureWaitsForNextTick(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	var calls atomic.Int32
	id, err := s.Schedule("ticker", func(context.Context) error {
		calls.Add(1)
		return errors.New("always")
	}, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, 5*time.Millisecond)
	_, found := findJob(s.Stats(), id)
	require.True(t, found)
	require.Equal(t, 1, s.reg.armed())
}

func TestRescheduleReplacesPreviousJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	var oldCalls, newCalls atomic.Int32
	_, err := s.Schedule("dup", func(context.Context) error { oldCalls.Add(1); return nil }, 20*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return oldCalls.Load() >= 1 }, waitFor, 5*time.Millisecond)

	_, err = s.Schedule("dup", func(context.Context) error { newCalls.Add(1); return nil }, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, s.Stats().TotalJobs)
	require.Equal(t, 1, s.reg.armed())

	require.Eventually(t, func() bool { return newCalls.Load() == 1 }, waitFor, 5*time.Millisecond)
	frozen := oldCalls.Load()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, frozen, oldCalls.Load())
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(8, EventCancelled)
	defer unsub()

	require.False(t, s.Cancel("missing"))

	id, err := s.Schedule("c", func(context.Context) error { return nil }, time.Hour)
	require.NoError(t, err)

	require.True(t, s.Cancel(id))
	require.False(t, s.Cancel(id))
	require.Zero(t, s.Stats().TotalJobs)
	require.Zero(t, s.reg.armed())
	require.Equal(t, id, awaitEvent(t, events, EventCancelled).ID)
}

func TestCancelDuringRunDoesNotRetry(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	id, err := s.Enqueue("slow-fail", func(context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return errors.New("late failure")
	})
	require.NoError(t, err)

	<-started
	require.True(t, s.Cancel(id))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, s.reg.armed())
	require.Zero(t, s.Stats().TotalJobs)
}

func TestCancelStopsPendingRetry(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{RetryBase: 150 * time.Millisecond})
	events, unsub := bus.Subscribe(8, EventRetryScheduled)
	defer unsub()

	var calls atomic.Int32
	id, err := s.Enqueue("retry-later", func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, WithMaxRetries(5))
	require.NoError(t, err)

	ev := awaitEvent(t, events, EventRetryScheduled)
	require.Equal(t, id, ev.ID)
	require.Equal(t, 1, s.reg.armed())

	require.True(t, s.Cancel(id))
	require.Zero(t, s.reg.armed())

	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, s.Stats().TotalJobs)
}

func TestCancelRecurringDuringSuccessfulRun(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(8, EventSucceeded)
	defer unsub()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	id, err := s.Schedule("long-tick", func(context.Context) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, time.Hour)
	require.NoError(t, err)

	<-started
	require.True(t, s.Cancel(id))
	close(release)

	require.Equal(t, id, awaitEvent(t, events, EventSucceeded).ID)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	_, found := s.reg.get(id)
	require.False(t, found)
	require.Zero(t, s.reg.armed())
	require.Zero(t, s.Stats().TotalJobs)
}

func TestRunningStateAdvances(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	release := make(chan struct{})
	defer close(release)
	id, err := s.Enqueue("busy", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		js, ok := findJob(s.Stats(), id)
		return ok && js.Running
	}, waitFor, 2*time.Millisecond)

	first, _ := findJob(s.Stats(), id)
	time.Sleep(50 * time.Millisecond)
	second, _ := findJob(s.Stats(), id)

	require.True(t, second.Running)
	require.Greater(t, second.RunningFor, first.RunningFor)
	require.False(t, second.Estimated)
}

func TestRunningStateReportsEstimate(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})
	s.est.record("report", time.Hour)

	release := make(chan struct{})
	defer close(release)
	id, err := s.Enqueue("report", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		js, ok := findJob(s.Stats(), id)
		return ok && js.Running
	}, waitFor, 2*time.Millisecond)

	js, _ := findJob(s.Stats(), id)
	require.True(t, js.Estimated)
	require.Greater(t, js.EstimatedRemaining, 59*time.Minute)
	require.LessOrEqual(t, js.EstimatedRemaining, time.Hour)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(64, EventSkipped)
	defer unsub()

	release := make(chan struct{})
	var calls atomic.Int32
	id, err := s.Schedule("exclusive", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}, 10*time.Millisecond, WithOverlap(OverlapSkipIfRunning))
	require.NoError(t, err)

	ev := awaitEvent(t, events, EventSkipped)
	require.Equal(t, id, ev.ID)
	require.EqualValues(t, 1, calls.Load())

	js, _ := findJob(s.Stats(), id)
	require.Equal(t, 1, js.InFlight)
	close(release)
}

func TestOverlapAllowRunsConcurrently(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	release := make(chan struct{})
	var calls atomic.Int32
	id, err := s.Schedule("overlapping", func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		js, _ := findJob(s.Stats(), id)
		return js.InFlight >= 2
	}, waitFor, 2*time.Millisecond)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
	close(release)
}

func TestShutdownDrainsRegistry(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := s.Schedule("long", func(context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}, time.Hour)
	require.NoError(t, err)
	_, err = s.ScheduleCron("nightly", "0 3 * * *", func(context.Context) error { return nil })
	require.NoError(t, err)
	<-started
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, waitFor, 2*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	st := s.Stats()
	require.Zero(t, st.TotalJobs)
	require.Empty(t, st.Jobs)
	require.Zero(t, s.reg.armed())
	require.Equal(t, 1, s.InFlight())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.True(t, finished.Load())
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})

	release := make(chan struct{})
	defer close(release)
	_, err := s.Enqueue("stuck", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestScheduleCron(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{Location: time.UTC})

	ran := make(chan struct{}, 1)
	id, err := s.ScheduleCron("hourly", "@hourly", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "scheduled-hourly", id)

	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("cron job did not run immediately")
	}

	require.Eventually(t, func() bool {
		js, _ := findJob(s.Stats(), id)
		return !js.NextRunAt.IsZero()
	}, waitFor, 5*time.Millisecond)
	js, _ := findJob(s.Stats(), id)
	require.Equal(t, "@hourly", js.Spec)
	require.True(t, js.NextRunAt.After(time.Now()))
	require.Zero(t, js.NextRunAt.Minute())
}

func TestValidation(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})
	noop := func(context.Context) error { return nil }

	_, err := s.Enqueue("  ", noop)
	require.ErrorIs(t, err, ErrNameRequired)
	_, err = s.Enqueue("x", nil)
	require.ErrorIs(t, err, ErrNilHandler)
	_, err = s.Schedule("x", noop, 0)
	require.ErrorIs(t, err, ErrInvalidInterval)
	_, err = s.ScheduleCron("x", "not a spec", noop)
	require.ErrorIs(t, err, ErrInvalidSpec)
	require.Zero(t, s.Stats().TotalJobs)
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	_, err := s.Enqueue("early", noop)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))

	_, err = s.Schedule("late", noop, time.Second)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Init(context.Background()), ErrClosed)
}

func TestHandlerContextOutlivesInitContext(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := New(Config{}, logx.Nop(), bus)
	initCtx, cancelInit := context.WithCancel(context.Background())
	require.NoError(t, s.Init(initCtx))
	defer s.Shutdown(context.Background())
	cancelInit()

	got := make(chan error, 1)
	_, err := s.Enqueue("ctx", func(ctx context.Context) error {
		got <- ctx.Err()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-got)
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	h := WithTimeout(10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, h(context.Background()), context.DeadlineExceeded)

	plain := func(context.Context) error { return nil }
	require.NotNil(t, WithTimeout(0, plain))
}

func TestApplyChangesRetryTuning(t *testing.T) {
	t.Parallel()

	s, bus := newTestScheduler(t, Config{})
	events, unsub := bus.Subscribe(16, EventRetryScheduled, EventExhausted)
	defer unsub()

	s.Apply(Config{RetryBase: 5 * time.Millisecond, DefaultMaxRetries: 2})

	_, err := s.Enqueue("tuned", func(context.Context) error { return errors.New("x") })
	require.NoError(t, err)
	require.Equal(t, 5*time.Millisecond, awaitEvent(t, events, EventRetryScheduled).Delay)
	require.Equal(t, 2, awaitEvent(t, events, EventExhausted).Attempt)
}
