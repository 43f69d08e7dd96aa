package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": JSON Lines journal + snapshot files next to Path
//   - "memory": process-local maps; nothing survives a restart
//
// An empty driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is the persisted form of a scheduled task.
type TaskRecord struct {
	ID             string          `json:"id"`
	Kind           string          `json:"type"`
	Trigger        string          `json:"trigger"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DelayedChildID string          `json:"delayedChildId,omitempty"`
}

type OrgRecord struct {
	Abbr        string `json:"abbr"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
	Logo        string `json:"logo,omitempty"`
	Color       string `json:"color,omitempty"`
	ChatID      int64  `json:"chatId,omitempty"`
}

type EventRecord struct {
	ID             int       `json:"id"`
	OrgAbbr        string    `json:"org"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	Team           string    `json:"team,omitempty"`
	Speaker        string    `json:"speaker,omitempty"`
	SpeakerContact string    `json:"speakerContact,omitempty"`
	PosterURL      string    `json:"poster,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

// CatalogRecord is the last synced catalog generation.
type CatalogRecord struct {
	Seq      uint64        `json:"seq"`
	SyncedAt time.Time     `json:"syncedAt"`
	Orgs     []OrgRecord   `json:"orgs"`
	Events   []EventRecord `json:"events"`
}

// Member holds newsletter preferences for one user.
type Member struct {
	UserID     int64     `json:"userId"`
	ChatID     int64     `json:"chatId"`
	Subscribed bool      `json:"subscribed"`
	Unfollowed []string  `json:"unfollowed,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Component     string
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}

// TaskStore persists scheduled tasks. LoadTasks is read once at boot;
// PutTask upserts and DeleteTask ignores absent ids.
type TaskStore interface {
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
	PutTask(ctx context.Context, rec TaskRecord) error
	DeleteTask(ctx context.Context, id string) error
}

// CatalogStore keeps the latest catalog generation. ReplaceCatalog is not
// atomic: a crash midway may leave it empty or mixed.
type CatalogStore interface {
	LoadCatalog(ctx context.Context) (CatalogRecord, error)
	ReplaceCatalog(ctx context.Context, rec CatalogRecord) error
}

type MemberStore interface {
	GetMember(ctx context.Context, userID int64) (Member, bool, error)
	PutMember(ctx context.Context, m Member) error
	ListMembers(ctx context.Context) ([]Member, error)
}

// DedupStore remembers notifier dedup keys across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	TaskStore
	CatalogStore
	MemberStore
	DedupStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
