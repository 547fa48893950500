// Package scheduler runs one-time and recurring background jobs in-process.
//
// One-shot jobs (Enqueue) run immediately and are retried with capped
// exponential backoff until they succeed or exhaust their attempts. Recurring
// jobs (Schedule, ScheduleCron) run immediately and then on their cadence until
// cancelled; a failed recurring run simply waits for the next tick.
//
// Handler errors never escape the scheduler. They are visible through logs,
// bus events and Stats().
//
// Lifecycle:
//
//	s := scheduler.New(cfg, log, bus)
//	s.Init(ctx)
//	id, _ := s.Enqueue("cache.warm", warm, scheduler.WithMaxRetries(5))
//	s.Schedule("tokens.cleanup", cleanup, time.Hour)
//	...
//	_ = s.Shutdown(ctx) // stop timers, forget jobs
//	_ = s.Wait(ctx)     // optionally drain in-flight handlers
//
// Shutdown never interrupts a running handler. Handlers receive a context that
// is detached from the Init context's cancellation, so they run to completion
// unless they bound themselves (see WithTimeout).
//
// Overlap: by default a recurring job whose handler outlives its interval runs
// concurrently with itself. Use WithOverlap(OverlapSkipIfRunning) to skip ticks
// while a previous run is in flight.
package scheduler
