package restart

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "missionctl/pkg/logx"
)

// NotifyReady tells systemd the service finished starting. It is a no-op
// outside a Type=notify unit.
func NotifyReady(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd the service is shutting down.
func NotifyStopping(log logx.Logger) {
	sdNotify(log, daemon.SdNotifyStopping)
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// RunWatchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when the watchdog is not enabled.
func RunWatchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
