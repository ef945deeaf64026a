package app

import (
	"context"
	"errors"
	"time"

	"dripbot/internal/bot"
	"dripbot/internal/delivery"
	"dripbot/internal/scheduler"
	logx "dripbot/pkg/logx"
)

const RetentionTask = "retention"

// registerTasks (re)installs the periodic jobs from cfg. Re-registering a
// name keeps its run guard, so a reload never overlaps a running cycle.
func (a *App) registerTasks(ds deliverySettings, rs retentionSettings) error {
	if err := a.sched.AddSchedule(bot.DeliveryTask, ds.every.String(), ds.timeout, a.deliveryJob); err != nil {
		return err
	}
	if !rs.enabled {
		if a.sched.Remove(RetentionTask) {
			a.log.Info("retention disabled")
		}
		return nil
	}
	maxAge := rs.maxAge
	return a.sched.AddDaily(RetentionTask, rs.at, defaultRetentionLimit, func(ctx context.Context) error {
		return a.purge(ctx, maxAge)
	})
}

func (a *App) deliveryJob(ctx context.Context) error {
	// RunOnce logs the cycle summary.
	_, err := a.engine.RunOnce(ctx)
	if errors.Is(err, delivery.ErrBusy) {
		return scheduler.ErrSkipped
	}
	if st, serr := a.store.Stats(ctx); serr == nil {
		a.metrics.SetSubscribers(st.Subscribers)
	}
	return err
}

func (a *App) purge(ctx context.Context, maxAge time.Duration) error {
	n, err := a.store.PurgeSentOlderThan(ctx, maxAge)
	if err != nil {
		return err
	}
	a.metrics.Purged(n)
	if n > 0 {
		a.log.Info("retention purge", logx.Int64("rows", n), logx.Duration("max_age", maxAge))
	}
	return nil
}
