package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"newsbot/internal/task"
)

// Validate reports every problem at once. It does not touch the network or
// the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	cron := func(path, expr string) {
		if strings.TrimSpace(expr) == "" {
			return
		}
		if _, err := task.ParseCron(expr); err != nil {
			add(fmt.Errorf("%s: invalid cron %q: %w", path, expr, err))
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Logging.Alerts.Enabled && cfg.Telegram.AlertChatID == 0 && len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("logging.alerts needs telegram.alert_chat_id or an owner"))
	}
	for _, lv := range []struct{ path, v string }{
		{"logging.level", cfg.Logging.Level},
		{"logging.alerts.min_level", cfg.Logging.Alerts.MinLevel},
	} {
		switch strings.ToLower(strings.TrimSpace(lv.v)) {
		case "", "trace", "debug", "info", "warn", "warning", "error":
		default:
			add(fmt.Errorf("%s: unknown level %q", lv.path, lv.v))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if _, err := cfg.Location(); err != nil {
		add(err)
	}
	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}
	if n := cfg.Notifier; n != nil {
		cron("notifier.flush_cron", n.FlushCron)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.RatePerSec < 0 || n.QueueSize < 0 || n.FlushBatch < 0 {
			add(errors.New("notifier: sizes and rates must be >= 0"))
		}
	}

	c := cfg.Catalog
	switch strings.ToLower(strings.TrimSpace(c.Source)) {
	case "sheet":
		if strings.TrimSpace(c.SheetID) == "" {
			add(errors.New("catalog.sheet_id is required for source \"sheet\""))
		}
	case "file":
		if strings.TrimSpace(c.File) == "" {
			add(errors.New("catalog.file is required for source \"file\""))
		}
	default:
		add(fmt.Errorf("catalog.source: want \"sheet\" or \"file\", got %q", c.Source))
	}
	if c.DaysAhead < 0 {
		add(errors.New("catalog.days_ahead must be >= 0"))
	}
	cron("catalog.sync_cron", c.SyncCron)
	dur("catalog.org_cache_ttl", c.OrgCacheTTL)
	dur("catalog.http_timeout", c.HTTPTimeout)
	dur("reminders.lead", cfg.Reminders.Lead)

	return errors.Join(errs...)
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
