// Package sdnotify reports readiness and liveness to systemd. Outside a
// Type=notify unit every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	logx "alertwatch/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	log logx.Logger
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "sdnotify"))}
}

func (n *Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready sends READY=1 with a status line.
func (n *Notifier) Ready(status string) bool {
	return n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

func (n *Notifier) Status(status string) bool { return n.send("STATUS=" + status) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec while healthy
// reports true, until ctx is done. It returns at once when the unit has no
// watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
