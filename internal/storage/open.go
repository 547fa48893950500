package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobrunner/pkg/logx"
)

// Store is the run history API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns matching records, newest first.
	RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error)
	// PruneRuns deletes records that finished before the cutoff and returns
	// how many were removed.
	PruneRuns(ctx context.Context, before time.Time) (int, error)
	// Compact reclaims space left by pruning.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
