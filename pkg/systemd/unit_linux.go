//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Units talks to the system manager over D-Bus.
type Units struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a system bus connection. The caller needs privileges for
// restart; status works for any user.
func Connect(ctx context.Context) (*Units, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Units{conn: conn}, nil
}

func (u *Units) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	return nil
}

func (u *Units) Status(ctx context.Context, name string) (UnitStatus, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return UnitStatus{}, ErrClosed
	}
	unit := unitName(name)
	props, err := u.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return UnitStatus{}, fmt.Errorf("status %s: %w", unit, err)
	}
	return statusFromProps(unit, props), nil
}

// Restart queues a restart job and waits for its result or ctx.
func (u *Units) Restart(ctx context.Context, name string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return ErrClosed
	}
	unit := unitName(name)
	done := make(chan string, 1)
	if _, err := u.conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", unit, res)
		}
		return nil
	}
}
