//go:build !linux

package systemd

import "context"

type Units struct{}

func Connect(context.Context) (*Units, error) { return nil, ErrUnsupported }

func (u *Units) Close() error { return nil }

func (u *Units) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}

func (u *Units) Restart(context.Context, string) error { return ErrUnsupported }
