package config

import (
	"reflect"
	"slices"
	"strings"

	logx "dripbot/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level keys in declaration order.
	Sections []string
	// RestartRequired lists changed settings that only apply at startup.
	RestartRequired []string
	// Fields are safe structured attrs for logging; secrets never appear.
	Fields []logx.Field
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares oldCfg and newCfg section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot, nt) {
		mark("telegram",
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.mode", nt.Mode),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
		// owners apply live; everything else needs a new adapter
		ot.OwnerUserIDs, nt.OwnerUserIDs = nil, nil
		if !reflect.DeepEqual(ot, nt) {
			ch.RestartRequired = append(ch.RestartRequired, "telegram")
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
		ch.RestartRequired = append(ch.RestartRequired, "storage")
	}

	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery",
			logx.String("delivery.every", newCfg.Delivery.Every),
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.Bool("delivery.strict_catalog", newCfg.Delivery.StrictCatalog),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		mark("retention",
			logx.Bool("retention.enabled", newCfg.Retention.IsEnabled()),
			logx.String("retention.at", newCfg.Retention.At),
			logx.String("retention.max_age", newCfg.Retention.MaxAge),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		mark("broadcast",
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.default_timeout", newCfg.Scheduler.DefaultTimeout),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
		ch.RestartRequired = append(ch.RestartRequired, "http")
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		mark("catalog", logx.Int("catalog.entries", len(newCfg.Catalog)))
	}
	return ch
}
