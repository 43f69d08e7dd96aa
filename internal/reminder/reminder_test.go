package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/notifier"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	"newsbot/internal/task/scheduler"
	"newsbot/internal/task/timer"
)

var now = time.Date(2030, 1, 7, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (r *recorder) Send(_ context.Context, m notifier.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	c     *Coordinator
	cat   *catalog.Catalog
	sched *scheduler.Scheduler
	sent  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalog.New()
	cat.Replace(catalog.Generation{Seq: 1, Events: []catalog.Event{
		{ID: 1, OrgAbbr: "acm", Name: "Hack night", Location: "Room 101", Start: now.Add(3 * time.Hour)},
		{ID: 2, OrgAbbr: "acm", Name: "Lightning talks", Start: now.Add(10 * time.Minute)},
		{ID: 3, OrgAbbr: "ieee", Name: "Breakfast", Start: now.Add(-time.Hour)},
		{ID: 4, OrgAbbr: "ieee", Name: "Exactly on the edge", Start: now.Add(30 * time.Minute)},
	}})
	clock := func() time.Time { return now }
	sched := scheduler.New(storage.NewMemory(), timer.NewManual(), scheduler.WithClock(clock))
	sent := &recorder{}
	return &fixture{
		c:     New(cat, sched, sent, WithClock(clock), WithLocation(time.UTC)),
		cat:   cat,
		sched: sched,
		sent:  sent,
	}
}

func TestRegisterSchedulesLeadBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got, err := f.c.Register(context.Background(), 1, 42)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !got.Trigger.At.Equal(now.Add(3*time.Hour - 30*time.Minute)) {
		t.Fatalf("at=%v", got.Trigger.At)
	}
	p := got.Payload.(task.ReminderPayload)
	if p.EventID != 1 || p.UserID != 42 || p.LeadMinutes != 30 {
		t.Fatalf("payload=%+v", p)
	}
}

func TestRegisterRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		event int
		want  error
	}{
		{9, ErrEventNotFound},
		{2, ErrTooLate},
		{3, ErrAlreadyStarted},
		{4, ErrTooLate},
	}
	for _, tc := range cases {
		if _, err := f.c.Register(ctx, tc.event, 42); !errors.Is(err, tc.want) {
			t.Errorf("event %d: err=%v want %v", tc.event, err, tc.want)
		}
	}
	if n := len(f.sched.ListKind(task.KindReminder)); n != 0 {
		t.Fatalf("rejections created %d tasks", n)
	}
}

func TestRegisterTwiceConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.c.Register(ctx, 1, 42); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.c.Register(ctx, 1, 42); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Register err=%v", err)
	}
	if _, err := f.c.Register(ctx, 1, 43); err != nil {
		t.Fatalf("another user should register: %v", err)
	}
	if n := len(f.sched.ListKind(task.KindReminder)); n != 2 {
		t.Fatalf("reminders=%d", n)
	}
}

func TestConcurrentRegisterCreatesOne(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.c.Register(context.Background(), 1, 42)
		}()
	}
	wg.Wait()
	if n := len(f.c.Upcoming(42)); n != 1 {
		t.Fatalf("live reminders=%d want 1", n)
	}
}

func TestUnregisterThenRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.c.Unregister(ctx, 1, 42); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Unregister before Register err=%v", err)
	}
	_, _ = f.c.Register(ctx, 1, 42)
	if err := f.c.Unregister(ctx, 1, 42); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if len(f.c.Upcoming(42)) != 0 {
		t.Fatalf("reminder survived Unregister")
	}
	if _, err := f.c.Register(ctx, 1, 42); err != nil {
		t.Fatalf("Register after Unregister: %v", err)
	}
}

func TestHandleSendsReminder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.c.Handle(context.Background(), task.ReminderPayload{EventID: 1, UserID: 42, LeadMinutes: 30})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.sent.msgs) != 1 {
		t.Fatalf("sent=%+v", f.sent.msgs)
	}
	m := f.sent.msgs[0]
	if m.To.ChatID != 42 || !strings.HasPrefix(m.Text, "'Hack night' is starting in 30 minutes!") || !strings.Contains(m.Text, "Location: Room 101") {
		t.Fatalf("message=%+v", m)
	}
}

func TestHandleUnknownEventIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cat.Replace(catalog.Generation{Seq: 2})

	if err := f.c.Handle(context.Background(), task.ReminderPayload{EventID: 1, UserID: 42, LeadMinutes: 30}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.sent.msgs) != 0 {
		t.Fatalf("sent=%+v", f.sent.msgs)
	}
}

func TestUpcomingSortedAndScoped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.cat.Replace(catalog.Generation{Seq: 2, Events: []catalog.Event{
		{ID: 1, Name: "Later", Start: now.Add(5 * time.Hour)},
		{ID: 2, Name: "Sooner", Start: now.Add(2 * time.Hour)},
	}})

	_, _ = f.c.Register(ctx, 1, 42)
	_, _ = f.c.Register(ctx, 2, 42)
	_, _ = f.c.Register(ctx, 2, 7)

	up := f.c.Upcoming(42)
	if len(up) != 2 || up[0].Payload.(task.ReminderPayload).EventID != 2 {
		t.Fatalf("upcoming=%+v", up)
	}
}

func TestDelayedReminderListedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rem, err := f.c.Register(ctx, 1, 42)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	child, err := f.sched.Delay(ctx, rem.ID, 5)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}

	up := f.c.Upcoming(42)
	if len(up) != 1 || up[0].ID != child.ID || !up[0].Trigger.At.Equal(rem.Trigger.At.Add(5*time.Minute)) {
		t.Fatalf("upcoming=%+v", up)
	}
	if _, err := f.c.Register(ctx, 1, 42); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Register err=%v", err)
	}
	if err := f.c.Unregister(ctx, 1, 42); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if left := f.sched.List(); len(left) != 0 {
		t.Fatalf("tasks left after Unregister: %+v", left)
	}
}
