package config

import (
	"reflect"

	logx "newsbot/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ and a few safe
// fields to log about them. The token is never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var fields []logx.Field
	section := func(name string, a, b any, f ...logx.Field) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
			fields = append(fields, f...)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram", ot, nt,
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		logx.Int("telegram.owners", len(nt.OwnerUserIDs)),
	)
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
	)
	section("storage", oldCfg.Storage, newCfg.Storage)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	section("task_engine", oldCfg.TaskEngine, newCfg.TaskEngine)
	section("notifier", oldCfg.Notifier, newCfg.Notifier)
	section("catalog", oldCfg.Catalog, newCfg.Catalog, logx.String("catalog.source", newCfg.Catalog.Source))
	section("reminders", oldCfg.Reminders, newCfg.Reminders)
	return changed, fields
}
