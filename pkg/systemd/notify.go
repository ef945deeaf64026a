// Package systemd integrates the bot with a systemd host: readiness and
// watchdog notifications for the running service, and unit status or
// restart over D-Bus for the operator CLI.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "dripbot/pkg/logx"
)

// Notifier sends sd_notify messages. Every call is a no-op when the
// process was not started by systemd with NOTIFY_SOCKET set.
type Notifier struct {
	log logx.Logger
	// notify is daemon.SdNotify; tests swap it.
	notify func(unsetEnv bool, state string) (bool, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	return &Notifier{log: log, notify: daemon.SdNotify}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

func (n *Notifier) send(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// while healthy reports nil. It returns at once when WatchdogSec is unset.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func(context.Context) error) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	n.runWatchdog(ctx, every/2, healthy)
}

func (n *Notifier) runWatchdog(ctx context.Context, tick time.Duration, healthy func(context.Context) error) {
	n.log.Info("watchdog enabled", logx.Duration("tick", tick))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				hctx, cancel := context.WithTimeout(ctx, tick)
				err := healthy(hctx)
				cancel()
				if err != nil {
					// a missed ping lets systemd restart the unit
					n.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
