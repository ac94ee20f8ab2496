package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "chronobot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Every call is a no-op when
// the process was not started by a Type=notify unit.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) sdNotifier {
	return sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n sdNotifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings systemd at half the configured WatchdogSec while healthy
// reports true. It returns immediately when no watchdog is configured.
func (n sdNotifier) watchdog(ctx context.Context, healthy func() bool) {
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
			if healthy() {
				n.send(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("unhealthy; skipping watchdog ping")
			}
		}
	}
}
