package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	logx "jobrunner/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func run(name, outcome string, finished time.Time) RunRecord {
	return RunRecord{
		JobID:      name + "-id",
		Name:       name,
		Kind:       "one_shot",
		Outcome:    outcome,
		Attempt:    1,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		DurationMS: 1000,
	}
}

func TestStores(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			base := time.UnixMilli(1_700_000_000_000)
			require.NoError(t, st.AppendRun(ctx, run("backup", OutcomeSucceeded, base)))
			failed := run("backup", OutcomeFailed, base.Add(time.Minute))
			failed.Error = "disk full"
			require.NoError(t, st.AppendRun(ctx, failed))
			require.NoError(t, st.AppendRun(ctx, run("report", OutcomeSucceeded, base.Add(2*time.Minute))))

			all, err := st.RecentRuns(ctx, RunQuery{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, "report", all[0].Name)
			require.Equal(t, "disk full", all[1].Error)
			require.True(t, all[2].FinishedAt.Equal(base))

			byName, err := st.RecentRuns(ctx, RunQuery{Name: "backup"})
			require.NoError(t, err)
			require.Len(t, byName, 2)

			byOutcome, err := st.RecentRuns(ctx, RunQuery{Outcome: OutcomeFailed})
			require.NoError(t, err)
			require.Len(t, byOutcome, 1)
			require.Equal(t, "backup", byOutcome[0].Name)

			limited, err := st.RecentRuns(ctx, RunQuery{Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			require.Equal(t, "report", limited[0].Name)

			n, err := st.PruneRuns(ctx, base.Add(90*time.Second))
			require.NoError(t, err)
			require.Equal(t, 2, n)

			n, err = st.PruneRuns(ctx, base)
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, st.Compact(ctx))

			left, err := st.RecentRuns(ctx, RunQuery{})
			require.NoError(t, err)
			require.Len(t, left, 1)
			require.Equal(t, "report", left[0].Name)

			// Appends keep working after a rewrite.
			require.NoError(t, st.AppendRun(ctx, run("later", OutcomeExhausted, base.Add(time.Hour))))
			left, err = st.RecentRuns(ctx, RunQuery{})
			require.NoError(t, err)
			require.Len(t, left, 2)
			require.Equal(t, OutcomeExhausted, left[0].Outcome)
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}

	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreReopenAndLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "history.jsonl")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendRun(ctx, run("a", OutcomeSucceeded, time.Now())))

	_, err = Open(cfg, logx.Nop())
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendRun(ctx, run("b", OutcomeSucceeded, time.Now())), ErrClosed)
	_, err = st.RecentRuns(ctx, RunQuery{})
	require.ErrorIs(t, err, ErrClosed)

	// A torn trailing line is skipped on reload.
	journal := filepath.Join(dir, "history.runs.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"job_id":"x","na`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.RecentRuns(ctx, RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "a", runs[0].Name)

	require.NoError(t, st.Compact(ctx))
	raw, err := os.ReadFile(journal)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"na`+"\n")
}

func TestFileStoreLongLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "history.jsonl")}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)

	long := run("noisy", OutcomeFailed, time.Now())
	long.Error = strings.Repeat("e", 2<<20)
	require.NoError(t, st.AppendRun(ctx, long))

	runs, err := st.RecentRuns(ctx, RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Error, MaxErrorLen)
	require.NoError(t, st.Close())

	// A journal line longer than any scanner buffer still loads.
	big := run("legacy", OutcomeFailed, time.Now())
	big.Error = strings.Repeat("x", 2<<20)
	b, err := json.Marshal(big)
	require.NoError(t, err)
	journal := filepath.Join(dir, "history.runs.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	runs, err = st.RecentRuns(ctx, RunQuery{Name: "legacy"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Error, 2<<20)
}

func TestFileStoreAppendAfterTornTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "runs.jsonl")}
	journal := filepath.Join(dir, "runs.runs.jsonl")
	require.NoError(t, os.WriteFile(journal, []byte(`{"job_id":"torn","name":"x"`), 0o600))

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.AppendRun(ctx, run("after", OutcomeSucceeded, time.Now())))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.RecentRuns(ctx, RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "after", runs[0].Name)
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	r := normalize(RunRecord{Error: strings.Repeat("é", MaxErrorLen)})
	require.LessOrEqual(t, len(r.Error), MaxErrorLen)
	require.True(t, utf8.ValidString(r.Error))
	require.False(t, r.FinishedAt.IsZero())
	require.Equal(t, r.FinishedAt, r.StartedAt)

	short := normalize(RunRecord{Error: "boom"})
	require.Equal(t, "boom", short.Error)
}

func TestRunQueryLimit(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultRunLimit, RunQuery{}.limit())
	require.Equal(t, MaxRunLimit, RunQuery{Limit: MaxRunLimit + 1}.limit())
	require.Equal(t, 7, RunQuery{Limit: 7}.limit())
}
