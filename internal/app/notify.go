package app

import (
	"context"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	logx "novad/pkg/logx"
)

// sdNotify sends a state update to systemd when running under a unit with
// Type=notify. Outside systemd this is a no-op; errors are log-only.
func sdNotify(log logx.Logger, state string) {
	sent, err := sd.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
// Returns immediately when no watchdog is armed.
func watchdogLoop(ctx context.Context, log logx.Logger) {
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	interval /= 2
	if interval < time.Second {
		interval = time.Second
	}
	log.Debug("systemd watchdog armed", logx.Duration("interval", interval))

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(log, sd.SdNotifyWatchdog)
		}
	}
}
