package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsbot/internal/eventbus"
	logx "newsbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsAndRecordsHistory(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, bus)

	if err := s.Enqueue(Job{Name: "newsletter", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitEvent(t, events, "task.finished")

	if err := s.Enqueue(Job{Name: "rsvp_reminder", Run: func(ctx context.Context) error { return errors.New("chat not found") }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, events, "task.failed").Data.(JobEvent)
	if ev.Name != "rsvp_reminder" || ev.Error != "chat not found" {
		t.Fatalf("failed event=%+v", ev)
	}

	h := s.History()
	if len(h) != 2 || h[0].Error != "" || h[1].Error != "chat not found" {
		t.Fatalf("history=%+v", h)
	}
}

func TestPanicIsRecoveredAndWorkerSurvives(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, bus)

	_ = s.Enqueue(Job{Name: "bad", Run: func(ctx context.Context) error { panic("nil map") }})
	ev := waitEvent(t, events, "task.failed").Data.(JobEvent)
	if ev.Error != "panic: nil map" {
		t.Fatalf("err=%q", ev.Error)
	}
	_ = s.Enqueue(Job{Name: "good", Run: func(ctx context.Context) error { return nil }})
	if got := waitEvent(t, events, "task.finished").Data.(JobEvent); got.Name != "good" {
		t.Fatalf("finished=%+v", got)
	}
}

func TestQueueFullAndOverlap(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	if err := s.Enqueue(Job{Name: "flush", SkipIfRunning: true, Run: block}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(Job{Name: "flush", SkipIfRunning: true, Run: block}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("overlap err=%v", err)
	}
	noop := func(ctx context.Context) error { return nil }
	if err := s.Enqueue(Job{Name: "a", Run: noop}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}
	if err := s.Enqueue(Job{Name: "b", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("queue full err=%v", err)
	}
	close(release)
	if snap := s.Snapshot(); snap.DroppedQueueFull != 1 || !snap.Running {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
	if err := s.Enqueue(Job{Name: "x"}); err == nil {
		t.Fatalf("expected error for nil Run")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStaleOneShotDropsAreAllLogged(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	out := &syncBuffer{}
	s := New(Config{Workers: 1, QueueSize: 4, MaxQueueDelay: 10 * time.Millisecond}, logx.NewWriter(out, "warn"), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Job{Name: "newsletter", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	var ran atomic.Bool
	for _, id := range []string{"rsvp-a", "rsvp-b"} {
		_ = s.Enqueue(Job{ID: id, Name: "rsvp_reminder", Once: true, Run: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		}})
	}
	time.Sleep(30 * time.Millisecond)
	close(release)

	waitEvent(t, events, "task.dropped")
	waitEvent(t, events, "task.dropped")
	logs := out.String()
	for _, id := range []string{"rsvp-a", "rsvp-b"} {
		if !strings.Contains(logs, `"id":"`+id+`"`) {
			t.Errorf("drop of %s not logged:\n%s", id, logs)
		}
	}
	if ran.Load() {
		t.Fatalf("stale job ran")
	}
	if snap := s.Snapshot(); snap.DroppedStale != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
