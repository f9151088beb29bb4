// Package systemd reports service state to systemd via sd_notify. Every call
// is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func Ready() (bool, error)    { return notify(daemon.SdNotifyReady) }
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Reloading marks the start of a config reload; call Ready when it is done.
func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return notify("STATUS=" + msg) }

// WatchdogInterval returns how often the watchdog must be pinged, or 0 when
// the unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// healthy is checked before each ping; a failing check skips the ping so
// systemd can restart a wedged process.
func Watchdog(ctx context.Context, healthy func(context.Context) error) error {
	every := WatchdogInterval() / 2
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				hctx, cancel := context.WithTimeout(ctx, every)
				err := healthy(hctx)
				cancel()
				if err != nil {
					continue
				}
			}
			_, _ = notify(daemon.SdNotifyWatchdog)
		}
	}
}
