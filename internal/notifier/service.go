package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbot/internal/eventbus"
	rtsup "newsbot/internal/runtime/supervisor"
	"newsbot/internal/storage"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
	ErrNoAdapter = errors.New("notifier: no adapter")
)

const (
	sendTimeout = 10 * time.Second
	historySize = 300
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	outbox  []Message
	stopped bool
	sup     *rtsup.Supervisor

	// flushing serializes Flush calls so batches go out in order.
	flushing sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.DedupStore
	now     func() time.Time

	dmu       sync.Mutex
	dedup     map[string]time.Time
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		now:     time.Now,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the configuration. Queued messages are kept.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2048
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 20
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate per sec so a short spike does not block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the dedup persistence loop when PersistDedup is on.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.PersistDedup || s.store == nil {
		s.stopped = false
		s.mu.Unlock()
		return
	}
	s.stopped = false
	s.persistCh = make(chan dedupWrite, 1024)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, ch, st := s.sup, s.persistCh, s.store
	s.mu.Unlock()

	sup.GoRestart("dedup.persist", func(c context.Context) error {
		s.persistLoop(c, ch, st)
		return c.Err()
	}, rtsup.WithStopOnCleanExit(true))
}

// Stop refuses new messages and drains the outbox until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	for s.Pending() > 0 && ctx.Err() == nil {
		if n, _ := s.Flush(ctx, 0); n == 0 {
			break
		}
	}
	if left := s.Pending(); left > 0 {
		s.log.Warn("outbox not drained on stop", logx.Int("pending", left))
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

// Supervisor is nil unless dedup persistence is running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Send delivers m now. A deduplicated message reports success without
// reaching the adapter.
func (s *Service) Send(ctx context.Context, m Message) error {
	key, ok := s.admit(ctx, m)
	if !ok {
		return nil
	}
	return s.deliver(ctx, m, key)
}

// Enqueue parks m in the outbox for the next Flush.
func (s *Service) Enqueue(m Message) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if len(s.outbox) >= s.cfg.QueueSize {
		s.mu.Unlock()
		s.publish("notifier.dropped", m, "", ErrQueueFull)
		return ErrQueueFull
	}
	s.mu.Unlock()

	key, ok := s.admit(context.Background(), m)
	if !ok {
		return nil
	}
	m.Key = key

	s.mu.Lock()
	if len(s.outbox) >= s.cfg.QueueSize {
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.outbox = append(s.outbox, m)
	s.mu.Unlock()
	s.publish("notifier.queued", m, key, nil)
	return nil
}

// Flush sends up to max queued messages, oldest first (max <= 0 means the
// configured batch). Failed deliveries are dropped. It returns how many went
// out and, when ctx ended early, ctx's error.
func (s *Service) Flush(ctx context.Context, max int) (int, error) {
	s.flushing.Lock()
	defer s.flushing.Unlock()

	s.mu.Lock()
	if max <= 0 {
		max = s.cfg.FlushBatch
	}
	if max > len(s.outbox) {
		max = len(s.outbox)
	}
	batch := append([]Message(nil), s.outbox[:max]...)
	s.outbox = s.outbox[max:]
	s.mu.Unlock()

	sent := 0
	for i, m := range batch {
		if err := ctx.Err(); err != nil {
			s.requeue(batch[i:])
			return sent, err
		}
		if err := s.deliver(ctx, m, m.Key); err == nil {
			sent++
		}
	}
	if sent > 0 {
		s.log.Debug("outbox flushed", logx.Int("sent", sent), logx.Int("pending", s.Pending()))
	}
	return sent, nil
}

func (s *Service) requeue(ms []Message) {
	s.mu.Lock()
	s.outbox = append(append([]Message(nil), ms...), s.outbox...)
	s.mu.Unlock()
}

func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) deliver(ctx context.Context, m Message, key string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if s.adapter == nil {
		return ErrNoAdapter
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	_, err := s.adapter.SendText(cctx, m.To, m.Text, m.Options)
	cancel()
	if err != nil {
		err = fmt.Errorf("send to %d: %w", m.To.ChatID, err)
		s.log.Warn("delivery failed", logx.Int64("chat_id", m.To.ChatID), logx.String("key", key), logx.Err(err))
		s.publish("notifier.failed", m, key, err)
		return err
	}

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), ChatID: m.To.ChatID, Text: m.Text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
	s.publish("notifier.sent", m, key, nil)
	return nil
}

func (s *Service) publish(typ string, m Message, key string, err error) {
	ev := NotificationEvent{ChatID: m.To.ChatID, ThreadID: m.To.ThreadID, Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
