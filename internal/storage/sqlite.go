package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobrunner/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	err         TEXT
);
CREATE INDEX IF NOT EXISTS runs_finished_at ON runs(finished_at);
CREATE INDEX IF NOT EXISTS runs_name_finished_at ON runs(name, finished_at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	r = normalize(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, name, kind, outcome, attempt, started_at, finished_at, duration_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.Name, r.Kind, r.Outcome, r.Attempt,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.DurationMS, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}
	query := `SELECT job_id, name, kind, outcome, attempt, started_at, finished_at, duration_ms, err FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunRecord, 0, q.limit())
	for rows.Next() {
		var (
			r                   RunRecord
			startedMS, finishMS int64
			errStr              sql.NullString
		)
		if err := rows.Scan(&r.JobID, &r.Name, &r.Kind, &r.Outcome, &r.Attempt, &startedMS, &finishMS, &r.DurationMS, &errStr); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startedMS)
		r.FinishedAt = time.UnixMilli(finishMS)
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlite vacuum: %w", err)
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
