package app

import (
	"context"
	"time"

	"dripbot/internal/broadcast"
	"dripbot/internal/delivery"
	"dripbot/internal/eventbus"
	rtsup "dripbot/internal/runtime/supervisor"
	"dripbot/internal/scheduler"
	"dripbot/internal/storage"
)

// Status is the operational snapshot served on /status.
type Status struct {
	Time         time.Time                 `json:"time"`
	Mode         string                    `json:"mode"`
	Store        storage.Stats             `json:"store"`
	LastDelivery delivery.Report           `json:"last_delivery"`
	Scheduler    scheduler.Snapshot        `json:"scheduler"`
	Broadcasts   []broadcast.JobStatus     `json:"broadcasts"`
	Events       []eventbus.Event          `json:"events"`
	Supervisors  map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	sups := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		sups["telegram.adapter"] = s.Snapshot()
	}
	if s := a.router.Supervisor(); s != nil {
		sups["bot.router"] = s.Snapshot()
	}
	return Status{
		Time:         time.Now(),
		Mode:         a.adapter.Mode(),
		Store:        st,
		LastDelivery: a.engine.LastReport(),
		Scheduler:    a.sched.Snapshot(),
		Broadcasts:   a.bcast.Jobs(),
		Events:       a.events.Recent(),
		Supervisors:  sups,
	}, nil
}
