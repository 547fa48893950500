package app

import (
	"context"
	"fmt"
	"time"

	logx "jobrunner/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

// stopStep runs one shutdown step bounded by limit and by ctx's deadline,
// whichever is sooner. A step that overruns is abandoned and its eventual
// completion is logged.
func stopStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("limit", limit))

	stepCtx := ctx
	if limit > 0 {
		// Never extend the caller's deadline.
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
