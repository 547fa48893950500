package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("scheduler:\n  max_retries: 4\n"), 0o644))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", good})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler:\n  retry_jitter: 2\n"), 0o644))
	cmd = rootCmd()
	cmd.SetArgs([]string{"check-config", "--config", bad})
	require.ErrorContains(t, cmd.Execute(), "scheduler.retry_jitter")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "jobrunner dev\n", out.String())
}
