// Package sdnotify reports service state to systemd when the bot runs as a
// Type=notify unit. Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "newsbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings systemd at half the unit's WatchdogSec until ctx ends. It
// returns at once when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	n.log.Info("watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}
