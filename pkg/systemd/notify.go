// Package systemd integrates the daemon with systemd: readiness and
// watchdog notifications over $NOTIFY_SOCKET, and unit status over D-Bus.
// Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

// Ready tells the service manager that startup finished. It reports false
// when the process is not supervised by systemd.
func Ready() (bool, error) { return sdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return sdNotify(false, daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return sdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by "systemctl status".
func Status(msg string) (bool, error) { return sdNotify(false, "STATUS="+msg) }

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx ends. healthy gates each ping; a nil healthy always pings. It
// returns immediately when the watchdog is not enabled for this unit.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return watchdogLoop(ctx, interval/2, healthy)
}

func watchdogLoop(ctx context.Context, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				// a missed ping lets systemd restart us
				continue
			}
			if _, err := sdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
