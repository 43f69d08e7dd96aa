package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"newsbot/internal/eventbus"
	rtsup "newsbot/internal/runtime/supervisor"
	logx "newsbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes jobs on a fixed pool of supervised workers.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	running  inflight
	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	tracked    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// a failing job must not take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Supervisor returns the worker supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue queues j without blocking. A full queue drops the job.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	tracked := false
	if j.SkipIfRunning {
		if !s.running.tryAcquire(j.Name) {
			s.bus.Publish(eventbus.Event{Type: "task.skipped", Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "overlap_skip"}})
			s.log.Debug("job skipped due to overlap", logx.String("job", j.Name), logx.String("id", j.ID))
			return ErrOverlapSkip
		}
		tracked = true
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case q <- queuedJob{job: j, enqueuedAt: now, timeout: timeout, tracked: tracked}:
		return nil
	default:
		if tracked {
			s.running.release(j.Name)
		}
		s.onQueueFullDropped(now, j, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		History:          s.History(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

// History returns recent executions, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, j Job, q chan queuedJob) {
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "queue_full"}})
	if j.Once || shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, j Job, queueDelay time.Duration) {
	s.droppedStale.Add(1)
	if j.Once || shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("job dropped: stale queue",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Bool("once", j.Once),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
	s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})
}
