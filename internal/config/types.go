// Package config loads newsbot's JSON or YAML configuration, validates it
// and hot-reloads it when the file changes.
//
// Durations are Go duration strings ("500ms", "10s", "2m"). Cron
// expressions take an optional leading seconds field.
package config

type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Catalog    CatalogConfig     `json:"catalog"`
	Reminders  ReminderConfig    `json:"reminders"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AlertChatID receives WARN+ log lines when logging.alerts is enabled.
	// Defaults to the first owner.
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver: "sqlite", "file" or
// "memory" (the default when the section is omitted).
//
//	"storage": { "driver": "sqlite", "path": "./data/newsbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone for cron triggers and rendered times. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls how fired tasks run.
//
// Defaults: workers 2, queue_size 256, history_size 200, no timeout and no
// stale-queue dropping.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
}

// NotifierConfig paces outgoing messages. flush_cron drives the outbox
// drain task.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	FlushBatch      int    `json:"flush_batch,omitempty"`
	FlushCron       string `json:"flush_cron,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// CatalogConfig names the event source and the weekly sync.
//
//	"catalog": { "source": "sheet", "sheet_id": "1AbC...", "sync_cron": "0 0 19 * * 0" }
type CatalogConfig struct {
	Source          string `json:"source"` // "sheet" or "file"
	SheetID         string `json:"sheet_id,omitempty"`
	SheetBaseURL    string `json:"sheet_base_url,omitempty"`
	OrgSheet        string `json:"org_sheet,omitempty"`
	File            string `json:"file,omitempty"`
	DaysAhead       int    `json:"days_ahead,omitempty"`
	SyncCron        string `json:"sync_cron,omitempty"`
	OrgCacheTTL     string `json:"org_cache_ttl,omitempty"`
	FetchRatePerSec int    `json:"fetch_rate_per_sec,omitempty"`
	HTTPTimeout     string `json:"http_timeout,omitempty"`
	DigestFooter    string `json:"digest_footer,omitempty"`
}

type ReminderConfig struct {
	Lead string `json:"lead,omitempty"`
}

const (
	DefaultFlushCron = "*/30 * * * * *"
	DefaultSyncCron  = "0 0 19 * * 0"
)
