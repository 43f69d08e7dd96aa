package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler only decides when a task fires; how it runs is configured here.
// The app layer maps config.task_engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited longer than this in the queue.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one execution of a fired task. Failures are recorded, never retried.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// SkipIfRunning drops the job when another job with the same Name is
	// queued or running.
	SkipIfRunning bool
	// Once marks a job with no later run to fall back on. Dropping it is
	// always logged, never throttled.
	Once          bool
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running          bool
	Workers          int
	QueueLen         int
	QueueCap         int
	InFlight         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	History          []HistoryItem
}

// inflight tracks names that are queued or running, for SkipIfRunning.
type inflight struct {
	mu    sync.Mutex
	names map[string]int
}

func (f *inflight) tryAcquire(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names == nil {
		f.names = map[string]int{}
	}
	if f.names[name] > 0 {
		return false
	}
	f.names[name]++
	return true
}

func (f *inflight) release(name string) {
	f.mu.Lock()
	if f.names[name] > 1 {
		f.names[name]--
	} else {
		delete(f.names, name)
	}
	f.mu.Unlock()
}
