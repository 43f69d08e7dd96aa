package notifier

import (
	"time"

	kit "newsbot/internal/transport"
)

// Config controls pacing, the outbox and dedup.
type Config struct {
	RatePerSec      int
	QueueSize       int
	FlushBatch      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Message is one outgoing text.
type Message struct {
	To      kit.ChatTarget
	Text    string
	Options *kit.SendOptions
	// Key names the message for dedup and events. Empty falls back to a hash
	// of target and text when a dedup window is configured.
	Key string
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NotificationEvent is published on the bus for delivery lifecycle events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
