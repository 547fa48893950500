package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "jobrunner/pkg/logx"
)

// fileStore keeps run history in JSON Lines.
//
// Files:
//   - <prefix>.runs.jsonl (append-only; rewritten by PruneRuns and Compact)
//   - <prefix>.lock       (advisory lock held while open)
//
// Records are mirrored in memory; retention keeps the set small.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	f       *os.File
	lock    *flock.Flock
	runs    []RunRecord // ordered by append
	skipped int         // malformed lines seen since the last rewrite
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lk := flock.New(prefix + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	runsPath := prefix + ".runs.jsonl"
	runs, skipped, torn, err := loadRuns(runsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lk.Unlock()
		return nil, err
	}
	if skipped > 0 {
		log.Warn("run history has malformed lines", logx.String("path", runsPath), logx.Int("skipped", skipped))
	}

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	// Terminate a partial last line so the next append starts a new record.
	if torn {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			_ = f.Close()
			_ = lk.Unlock()
			return nil, err
		}
	}
	log.Debug("file store opened", logx.String("path", runsPath), logx.Int("runs", len(runs)))
	return &fileStore{log: log, path: runsPath, f: f, lock: lk, runs: runs, skipped: skipped}, nil
}

// loadRuns reads the journal. Lines of any length are accepted; lines that
// do not decode are counted and skipped. torn reports a last line without a
// trailing newline.
func loadRuns(path string) (runs []RunRecord, skipped int, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer f.Close()

	rd := bufio.NewReader(f)
	for {
		line, rerr := rd.ReadBytes('\n')
		if len(line) > 0 {
			torn = line[len(line)-1] != '\n'
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var r RunRecord
				if json.Unmarshal(trimmed, &r) != nil {
					skipped++
				} else {
					runs = append(runs, r)
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			return runs, skipped, torn, nil
		}
		if rerr != nil {
			return nil, 0, false, rerr
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	r = normalize(r)
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, q RunQuery) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}

	limit := q.limit()
	out := make([]RunRecord, 0, min(limit, len(s.runs)))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if q.match(s.runs[i]) {
			out = append(out, s.runs[i])
		}
	}
	// Append order is close to finish order; make it exact.
	sort.SliceStable(out, func(a, b int) bool { return out[a].FinishedAt.After(out[b].FinishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}

	kept := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		if !r.FinishedAt.Before(before) {
			kept = append(kept, r)
		}
	}
	removed := len(s.runs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Compact rewrites the journal from memory, dropping malformed lines.
func (s *fileStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	dropped := s.skipped
	if err := s.rewriteLocked(s.runs); err != nil {
		return err
	}
	s.log.Debug("run history compacted", logx.Int("runs", len(s.runs)), logx.Int("dropped_lines", dropped))
	return nil
}

// rewriteLocked atomically replaces the journal with runs and reopens the
// append handle.
func (s *fileStore) rewriteLocked(runs []RunRecord) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		// Keep appending to the old file.
		f, oerr := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if oerr != nil {
			s.log.Error("run history reopen failed; store is unusable", logx.String("path", s.path), logx.Err(oerr))
		}
		s.f = f
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error("run history reopen failed; store is unusable", logx.String("path", s.path), logx.Err(err))
		s.f = nil
		return err
	}
	s.f = nf
	s.runs = runs
	s.skipped = 0
	return nil
}
