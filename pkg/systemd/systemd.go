// Package systemd reports service state to systemd via sd_notify.
// Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading reports RELOADING=1 while a config reload is applied.
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// WatchdogInterval returns half the configured WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings WATCHDOG=1 every interval until ctx is done.
// It returns immediately when interval is not positive.
func Watchdog(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
