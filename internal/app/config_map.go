package app

import (
	"fmt"
	"strings"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/catalog/source"
	"newsbot/internal/config"
	"newsbot/internal/notifier"
	"newsbot/internal/storage"
	"newsbot/internal/task/engine"
	logx "newsbot/pkg/logx"
)

// Everything below turns the decoded config into component settings. The
// config was validated before it got here, so parse errors are still
// reported but never expected.

func mapLogging(cfg *config.Config) logx.Config {
	alertChat := cfg.Telegram.AlertChatID
	if alertChat == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		alertChat = cfg.Telegram.OwnerUserIDs[0]
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			ChatID:     alertChat,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		HistorySize:    te.HistorySize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
	}, nil
}

// notifierSettings is the notifier config plus the cron of its drain task.
type notifierSettings struct {
	notifier.Config
	FlushCron string
}

func mapNotifier(cfg *config.Config) (notifierSettings, error) {
	out := notifierSettings{FlushCron: config.DefaultFlushCron}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifierSettings{}, err
	}
	out.Config = notifier.Config{
		RatePerSec:      nc.RatePerSec,
		QueueSize:       nc.QueueSize,
		FlushBatch:      nc.FlushBatch,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	if c := strings.TrimSpace(nc.FlushCron); c != "" {
		out.FlushCron = c
	}
	return out, nil
}

func mapReminderLead(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("reminders.lead", cfg.Reminders.Lead)
}

func syncCron(cfg *config.Config) string {
	if c := strings.TrimSpace(cfg.Catalog.SyncCron); c != "" {
		return c
	}
	return config.DefaultSyncCron
}

// newProvider builds the catalog source named by catalog.source.
func newProvider(cfg *config.Config, loc *time.Location, log logx.Logger) (catalog.Provider, error) {
	cc := cfg.Catalog
	switch strings.ToLower(strings.TrimSpace(cc.Source)) {
	case "file":
		return &source.File{Path: cc.File, Location: loc}, nil
	case "", "sheet":
		ttl, err := config.ParseDurationField("catalog.org_cache_ttl", cc.OrgCacheTTL)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField("catalog.http_timeout", cc.HTTPTimeout)
		if err != nil {
			return nil, err
		}
		return source.NewSheet(source.SheetConfig{
			SheetID:     cc.SheetID,
			BaseURL:     cc.SheetBaseURL,
			OrgSheet:    cc.OrgSheet,
			OrgCacheTTL: ttl,
			RatePerSec:  float64(cc.FetchRatePerSec),
			Timeout:     timeout,
			Location:    loc,
		}, log)
	default:
		return nil, fmt.Errorf("unknown catalog.source %q", cc.Source)
	}
}
