package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	require.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	require.False(t, l.With(String("a", "b")).IsZero())
}

func TestWithFieldsAreApplied(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).With(String("comp", "scheduler"))
	l.Warn("job failed", String("job", "sync"), Err(errors.New("boom")), Int("attempt", 2))

	out := buf.String()
	require.Contains(t, out, `"comp":"scheduler"`)
	require.Contains(t, out, `"job":"sync"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, "boom")
	require.Contains(t, out, `"message":"job failed"`)
}

func TestEnabled(t *testing.T) {
	t.Parallel()

	l := FromZerolog(zerolog.New(&bytes.Buffer{}).Level(zerolog.WarnLevel))
	require.False(t, l.Enabled(LevelDebug))
	require.True(t, l.Enabled(LevelError))
}

func TestLimitedWriterKeepsWarnings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := newLimitedWriter(zerolog.MultiLevelWriter(&buf), 1)
	zl := zerolog.New(w)

	for range 20 {
		zl.Debug().Msg("chatty")
	}
	for range 3 {
		zl.Error().Msg("loud")
	}

	out := buf.String()
	require.Equal(t, 3, strings.Count(out, "loud"))
	require.LessOrEqual(t, strings.Count(out, "chatty"), 2)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseLevel(tt.in, zerolog.InfoLevel), tt.in)
	}
}

func TestServiceApplySwapsFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("before swap")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("after swap")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)

	require.Contains(t, string(a), "before swap")
	require.NotContains(t, string(a), "after swap")
	require.Contains(t, string(b), "after swap")

	// Reapplying the same path keeps writing to it.
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Warn("same path")
	b, err = os.ReadFile(second)
	require.NoError(t, err)
	require.Contains(t, string(b), "same path")
}
