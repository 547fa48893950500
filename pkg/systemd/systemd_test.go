package systemd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	sent, err := Ready()
	require.NoError(t, err)
	require.False(t, sent)

	sent, err = Stopping()
	require.NoError(t, err)
	require.False(t, sent)

	sent, err = Status("idle")
	require.NoError(t, err)
	require.False(t, sent)

	require.Zero(t, WatchdogInterval())
}

func TestWatchdogStops(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	require.NoError(t, Watchdog(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, Watchdog(ctx, 5*time.Millisecond))
}
