package runlog

import (
	"context"
	"time"

	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// PruneJob is the name of the recurring retention job.
const PruneJob = "runlog.prune"

// CompactJob is the name of the startup compaction job.
const CompactJob = "runlog.compact"

// PruneHandler deletes records that finished more than retention ago.
// A non-positive retention keeps everything.
func PruneHandler(store storage.Store, retention time.Duration, log logx.Logger) scheduler.Handler {
	return pruneHandler(store, retention, log, time.Now)
}

func pruneHandler(store storage.Store, retention time.Duration, log logx.Logger, now func() time.Time) scheduler.Handler {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		cutoff := now().Add(-retention)
		n, err := store.PruneRuns(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("run history pruned", logx.Int("removed", n), logx.Time("before", cutoff))
		}
		return nil
	}
}

// CompactHandler reclaims space in the run history store.
func CompactHandler(store storage.Store, log logx.Logger) scheduler.Handler {
	return func(ctx context.Context) error {
		start := time.Now()
		if err := store.Compact(ctx); err != nil {
			return err
		}
		log.Debug("run history compacted", logx.Duration("took", time.Since(start)))
		return nil
	}
}
