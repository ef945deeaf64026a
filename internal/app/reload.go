package app

import (
	"context"
	"strings"

	"dripbot/internal/config"
	logx "dripbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// keep only the latest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.sd.Reloading()
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
			a.sd.Ready()
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("telegram") {
		a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}
	if ch.Has("catalog") {
		if cat, err := buildCatalog(newCfg); err != nil {
			a.log.Warn("invalid catalog; keeping previous", logx.Err(err))
		} else {
			a.enroll.SetCatalog(cat)
			a.engine.SetCatalog(cat)
		}
	}
	if ch.Has("broadcast") {
		a.bcast.Apply(mapBroadcastConfig(newCfg))
	}
	if ch.Has("scheduler") {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if ch.Has("delivery") || ch.Has("retention") {
		ds, err := mapDeliveryConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
			return
		}
		rs, err := mapRetentionConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
			return
		}
		a.engine.SetConfig(ds.engine)
		if err := a.registerTasks(ds, rs); err != nil {
			a.log.Warn("task re-registration failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)
}
