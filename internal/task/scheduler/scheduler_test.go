package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"newsbot/internal/eventbus"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	"newsbot/internal/task/engine"
	"newsbot/internal/task/timer"
)

// Tuesday.
var t0 = time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type calls struct {
	mu        sync.Mutex
	sync      int
	reminders []task.ReminderPayload
	flush     int
}

type fixture struct {
	s     *Scheduler
	timer *timer.Manual
	store *storage.Memory
	clock *clock
	calls *calls
	bus   eventbus.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		timer: timer.NewManual(),
		store: storage.NewMemory(),
		clock: &clock{now: t0},
		calls: &calls{},
		bus:   eventbus.New(),
	}
	opts = append([]Option{WithClock(f.clock.Now), WithLocation(time.UTC), WithBus(f.bus)}, opts...)
	f.s = New(f.store, f.timer, opts...)
	err := f.s.Bind(Handlers{
		Sync: func(ctx context.Context, p task.SyncPayload) error {
			f.calls.mu.Lock()
			f.calls.sync++
			f.calls.mu.Unlock()
			return nil
		},
		Reminder: func(ctx context.Context, p task.ReminderPayload) error {
			f.calls.mu.Lock()
			f.calls.reminders = append(f.calls.reminders, p)
			f.calls.mu.Unlock()
			return nil
		},
		Flush: func(ctx context.Context, p task.FlushPayload) error {
			f.calls.mu.Lock()
			f.calls.flush++
			f.calls.mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return f
}

func (f *fixture) handle(t *testing.T, id string) timer.Handle {
	t.Helper()
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	e, ok := f.s.reg[id]
	if !ok || !e.armed {
		t.Fatalf("task %q is not armed", id)
	}
	return e.handle
}

func (f *fixture) stored(t *testing.T) map[string]storage.TaskRecord {
	t.Helper()
	recs, err := f.store.LoadTasks(context.Background())
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	out := map[string]storage.TaskRecord{}
	for _, r := range recs {
		out[r.ID] = r
	}
	return out
}

func newsletterTask() task.Task {
	return task.Task{ID: "newsletter", Trigger: task.Cron("0 0 19 * * 0"), Payload: task.SyncPayload{DaysAhead: 7}}
}

func reminderTask(id string, at time.Time, event int, user int64) task.Task {
	return task.Task{ID: id, Trigger: task.At(at), Payload: task.ReminderPayload{EventID: event, UserID: user, LeadMinutes: 30}}
}

func TestCreatePastOneShotIsExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, at := range []time.Time{t0.Add(-time.Minute), t0} {
		_, err := f.s.CreateTask(context.Background(), reminderTask("r", at, 1, 1))
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("at=%v err=%v want ErrExpired", at, err)
		}
	}
	if _, ok := f.s.GetTask("r"); ok {
		t.Fatalf("expired task must not be registered")
	}
	if f.timer.Len() != 0 || len(f.stored(t)) != 0 {
		t.Fatalf("expired task armed=%d stored=%d", f.timer.Len(), len(f.stored(t)))
	}
}

func TestCreateIsIdempotentByID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.s.CreateTask(ctx, newsletterTask())
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	again := newsletterTask()
	again.Payload = task.SyncPayload{DaysAhead: 14}
	second, err := f.s.CreateTask(ctx, again)
	if err != nil {
		t.Fatalf("CreateTask again: %v", err)
	}
	if second.Payload.(task.SyncPayload).DaysAhead != first.Payload.(task.SyncPayload).DaysAhead {
		t.Fatalf("second create replaced the live task: %+v", second)
	}
	if n := len(f.stored(t)); n != 1 {
		t.Fatalf("store records=%d want 1", n)
	}
	if f.timer.Len() != 1 {
		t.Fatalf("armed=%d want 1", f.timer.Len())
	}
}

func TestCreateGeneratesIDAndValidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.s.CreateTask(ctx, reminderTask("", t0.Add(time.Hour), 2, 5))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := uuid.Parse(got.ID); err != nil {
		t.Fatalf("generated id %q: %v", got.ID, err)
	}

	bad := []task.Task{
		{ID: "x", Trigger: task.Cron("61 * * * *"), Payload: task.FlushPayload{}},
		{ID: "x", Trigger: task.At(t0.Add(time.Hour)), Payload: task.ReminderPayload{EventID: 0, UserID: 1}},
		{ID: "x", Trigger: task.At(t0.Add(time.Hour))},
	}
	for _, b := range bad {
		if _, err := f.s.CreateTask(ctx, b); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("CreateTask(%+v) err=%v want ErrInvalidTask", b, err)
		}
	}
}

func TestDeleteThenGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, reminderTask("r1", t0.Add(time.Hour), 1, 1))
	if !f.s.DeleteTask(ctx, "r1") {
		t.Fatalf("first delete should report true")
	}
	if _, ok := f.s.GetTask("r1"); ok {
		t.Fatalf("GetTask after delete should be empty")
	}
	if f.s.DeleteTask(ctx, "r1") {
		t.Fatalf("second delete should report false")
	}
	if f.timer.Len() != 0 || len(f.stored(t)) != 0 {
		t.Fatalf("armed=%d stored=%d", f.timer.Len(), len(f.stored(t)))
	}
}

func TestDelayRecurringPushesOneOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, newsletterTask())
	next, ok := f.s.NextFire("newsletter")
	if !ok || !next.Equal(time.Date(2030, 1, 6, 19, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextFire=%v ok=%v", next, ok)
	}

	child, err := f.s.Delay(ctx, "newsletter", 90)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if child.ID != "newsletter_delayed" || !child.Trigger.At.Equal(next.Add(90*60000*time.Millisecond)) {
		t.Fatalf("child=%+v", child)
	}
	if _, ok := f.s.NextFire("newsletter"); ok {
		t.Fatalf("parent must not stay armed while delayed")
	}
	if armed := f.timer.Armed(); len(armed) != 1 || !armed[0].At.Equal(child.Trigger.At) {
		t.Fatalf("armed=%+v", armed)
	}
	parent, _ := f.s.GetTask("newsletter")
	if parent.DelayedChildID != child.ID {
		t.Fatalf("parent=%+v", parent)
	}
	if st := f.stored(t); st["newsletter"].DelayedChildID != child.ID || st[child.ID].Trigger != child.Trigger.String() {
		t.Fatalf("stored=%+v", st)
	}

	f.clock.Set(child.Trigger.At)
	f.timer.Fire(f.handle(t, child.ID))
	if f.calls.sync != 1 {
		t.Fatalf("sync handler ran %d times", f.calls.sync)
	}
	if _, ok := f.s.GetTask(child.ID); ok {
		t.Fatalf("child should be gone after firing")
	}
	parent, _ = f.s.GetTask("newsletter")
	if parent.DelayedChildID != "" {
		t.Fatalf("parent still points at child: %+v", parent)
	}
	if next, ok := f.s.NextFire("newsletter"); !ok || !next.Equal(time.Date(2030, 1, 13, 19, 0, 0, 0, time.UTC)) {
		t.Fatalf("parent next=%v ok=%v", next, ok)
	}
	if st := f.stored(t); len(st) != 1 || st["newsletter"].DelayedChildID != "" {
		t.Fatalf("stored=%+v", st)
	}
}

func TestDelayOneShotParentEndsWithChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	at := t0.Add(2 * time.Hour)
	_, _ = f.s.CreateTask(ctx, reminderTask("r", at, 3, 9))
	child, err := f.s.Delay(ctx, "r", 15)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if !child.Trigger.At.Equal(at.Add(15 * time.Minute)) {
		t.Fatalf("child at=%v", child.Trigger.At)
	}
	f.timer.Fire(f.handle(t, child.ID))
	if len(f.calls.reminders) != 1 || f.calls.reminders[0].EventID != 3 {
		t.Fatalf("reminders=%+v", f.calls.reminders)
	}
	if len(f.s.List()) != 0 || len(f.stored(t)) != 0 {
		t.Fatalf("live=%v stored=%v", f.s.List(), f.stored(t))
	}
}

func TestEnsureTaskReplacesChangedSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, changed, err := f.s.EnsureTask(ctx, newsletterTask()); err != nil || !changed {
		t.Fatalf("first EnsureTask changed=%v err=%v", changed, err)
	}
	if _, changed, _ := f.s.EnsureTask(ctx, newsletterTask()); changed {
		t.Fatalf("same schedule reported as changed")
	}

	moved := newsletterTask()
	moved.Trigger = task.Cron("0 0 8 * * 1")
	got, changed, err := f.s.EnsureTask(ctx, moved)
	if err != nil || !changed || got.Trigger.Cron != "0 0 8 * * 1" {
		t.Fatalf("got=%+v changed=%v err=%v", got, changed, err)
	}
	if f.timer.Len() != 1 || f.stored(t)["newsletter"].Trigger != "0 0 8 * * 1" {
		t.Fatalf("armed=%d stored=%+v", f.timer.Len(), f.stored(t)["newsletter"])
	}

	bad := newsletterTask()
	bad.Trigger = task.Cron("not a cron")
	if _, _, err := f.s.EnsureTask(ctx, bad); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err=%v", err)
	}
	if cur, _ := f.s.GetTask("newsletter"); cur.Trigger.Cron != "0 0 8 * * 1" {
		t.Fatalf("invalid schedule replaced the live task: %+v", cur)
	}
}

func TestCreateRejectsDelayChildID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tk := newsletterTask()
	tk.ID = "weekly_delayed"
	if _, err := f.s.CreateTask(ctx, tk); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("err=%v", err)
	}
	if len(f.s.List()) != 0 || len(f.stored(t)) != 0 || f.timer.Len() != 0 {
		t.Fatalf("rejected task left state behind")
	}
}

func TestDelayRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.s.Delay(ctx, "missing", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
	_, _ = f.s.CreateTask(ctx, newsletterTask())
	child, _ := f.s.Delay(ctx, "newsletter", 5)
	_, err := f.s.Delay(ctx, child.ID, 5)
	if !errors.Is(err, ErrAlreadyDelayed) || !strings.Contains(err.Error(), `"newsletter"`) {
		t.Fatalf("child delay err=%v", err)
	}

	_, _ = f.s.CreateTask(ctx, reminderTask("soon", t0.Add(10*time.Minute), 1, 1))
	if _, err := f.s.Delay(ctx, "soon", -20); !errors.Is(err, ErrExpired) {
		t.Fatalf("delay into the past err=%v", err)
	}
	if _, ok := f.s.NextFire("soon"); !ok {
		t.Fatalf("rejected delay must leave the task armed")
	}
}

func TestDelayAgainReplacesChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, newsletterTask())
	first, _ := f.s.Delay(ctx, "newsletter", 10)
	second, err := f.s.Delay(ctx, "newsletter", 60)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if second.ID != first.ID || !second.Trigger.At.Equal(first.Trigger.At.Add(60*time.Minute)) {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if armed := f.timer.Armed(); len(armed) != 1 || !armed[0].At.Equal(second.Trigger.At) {
		t.Fatalf("armed=%+v", armed)
	}
}

func TestDelayAgainPastCronSlotKeepsPendingRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Sunday 18:00, an hour before the weekly slot.
	f.clock.Set(time.Date(2030, 1, 6, 18, 0, 0, 0, time.UTC))
	_, _ = f.s.CreateTask(ctx, newsletterTask())
	first, err := f.s.Delay(ctx, "newsletter", 60)
	if err != nil || !first.Trigger.At.Equal(time.Date(2030, 1, 6, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("first=%+v err=%v", first, err)
	}

	// The 19:00 slot has passed; the pending run is the child's 20:00.
	f.clock.Set(time.Date(2030, 1, 6, 19, 30, 0, 0, time.UTC))
	second, err := f.s.Delay(ctx, "newsletter", 10)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if want := time.Date(2030, 1, 6, 20, 10, 0, 0, time.UTC); !second.Trigger.At.Equal(want) {
		t.Fatalf("child at %s want %s", second.Trigger.At, want)
	}
}

func TestDelayedOneShotDelaysFromChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, reminderTask("r", t0.Add(time.Hour), 1, 2))
	_, _ = f.s.Delay(ctx, "r", 30)
	child, err := f.s.Delay(ctx, "r", 15)
	if err != nil || !child.Trigger.At.Equal(t0.Add(105*time.Minute)) {
		t.Fatalf("child=%+v err=%v", child, err)
	}
}

func TestDeleteChildResumesParent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, newsletterTask())
	child, _ := f.s.Delay(ctx, "newsletter", 30)
	if !f.s.DeleteTask(ctx, child.ID) {
		t.Fatalf("DeleteTask child")
	}
	if _, ok := f.s.NextFire("newsletter"); !ok {
		t.Fatalf("parent should be armed again")
	}
	if p, _ := f.s.GetTask("newsletter"); p.DelayedChildID != "" {
		t.Fatalf("parent=%+v", p)
	}
	if f.timer.Len() != 1 {
		t.Fatalf("armed=%d", f.timer.Len())
	}
}

func TestDeleteParentDropsChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, newsletterTask())
	child, _ := f.s.Delay(ctx, "newsletter", 30)
	if !f.s.DeleteTask(ctx, "newsletter") {
		t.Fatalf("DeleteTask parent")
	}
	if _, ok := f.s.GetTask(child.ID); ok {
		t.Fatalf("child should be deleted with its parent")
	}
	if f.timer.Len() != 0 || len(f.stored(t)) != 0 {
		t.Fatalf("armed=%d stored=%d", f.timer.Len(), len(f.stored(t)))
	}
}

func TestClearTasksRemovesOnlyKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, newsletterTask())
	_, _ = f.s.CreateTask(ctx, task.Task{ID: "message-queue-flush", Trigger: task.Cron("*/30 * * * * *"), Payload: task.FlushPayload{Max: 20}})
	_, _ = f.s.CreateTask(ctx, reminderTask("r1", t0.Add(time.Hour), 1, 1))
	_, _ = f.s.CreateTask(ctx, reminderTask("r2", t0.Add(2*time.Hour), 2, 1))
	beforeNews, _ := f.s.NextFire("newsletter")
	beforeFlush, _ := f.s.NextFire("message-queue-flush")

	if n := f.s.ClearTasks(ctx, task.KindReminder); n != 2 {
		t.Fatalf("cleared=%d want 2", n)
	}
	if got := f.s.ListKind(task.KindReminder); len(got) != 0 {
		t.Fatalf("reminders left: %+v", got)
	}
	if afterNews, ok := f.s.NextFire("newsletter"); !ok || !afterNews.Equal(beforeNews) {
		t.Fatalf("newsletter next=%v ok=%v", afterNews, ok)
	}
	if afterFlush, ok := f.s.NextFire("message-queue-flush"); !ok || !afterFlush.Equal(beforeFlush) {
		t.Fatalf("flush next=%v ok=%v", afterFlush, ok)
	}
	if st := f.stored(t); len(st) != 2 {
		t.Fatalf("stored=%+v", st)
	}
	if f.s.ClearTasks(ctx, task.KindReminder) != 0 {
		t.Fatalf("second clear should be a no-op")
	}
}

func TestOneShotRemovedBeforeHandlerRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var seenLive, seenStored bool
	_ = f.s.Bind(Handlers{
		Sync:  func(context.Context, task.SyncPayload) error { return nil },
		Flush: func(context.Context, task.FlushPayload) error { return nil },
		Reminder: func(ctx context.Context, p task.ReminderPayload) error {
			_, seenLive = f.s.GetTask("r1")
			_, seenStored = f.stored(t)["r1"]
			return nil
		},
	})
	_, _ = f.s.CreateTask(ctx, reminderTask("r1", t0.Add(time.Hour), 1, 1))
	f.timer.Fire(f.handle(t, "r1"))
	if seenLive || seenStored {
		t.Fatalf("handler saw live=%v stored=%v", seenLive, seenStored)
	}
}

func TestRecurringStaysArmedAfterFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, _ = f.s.CreateTask(context.Background(), newsletterTask())
	h := f.handle(t, "newsletter")
	f.timer.Fire(h)
	f.timer.Fire(h)
	if f.calls.sync != 2 {
		t.Fatalf("sync ran %d times", f.calls.sync)
	}
	if _, ok := f.s.NextFire("newsletter"); !ok {
		t.Fatalf("recurring task should stay armed")
	}
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.s.CreateTask(ctx, reminderTask("r1", t0.Add(time.Hour), 1, 1))
	f.s.mu.Lock()
	oldGen := f.s.reg["r1"].gen
	f.s.mu.Unlock()

	f.s.DeleteTask(ctx, "r1")
	_, _ = f.s.CreateTask(ctx, reminderTask("r1", t0.Add(2*time.Hour), 1, 1))
	f.s.fire("r1", oldGen)
	if len(f.calls.reminders) != 0 {
		t.Fatalf("stale callback dispatched: %+v", f.calls.reminders)
	}
	if _, ok := f.s.GetTask("r1"); !ok {
		t.Fatalf("re-created task must survive a stale callback")
	}
}

func TestRunTaskRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_ = f.s.Bind(Handlers{
		Sync:     func(context.Context, task.SyncPayload) error { panic("sheet exploded") },
		Reminder: func(context.Context, task.ReminderPayload) error { return nil },
		Flush:    func(context.Context, task.FlushPayload) error { return nil },
	})
	_, _ = f.s.CreateTask(context.Background(), newsletterTask())

	err := f.s.RunTask(context.Background(), newsletterTask())
	if err == nil || !strings.Contains(err.Error(), "panic: sheet exploded") {
		t.Fatalf("RunTask err=%v", err)
	}
	if _, ok := f.s.NextFire("newsletter"); !ok {
		t.Fatalf("recurring task must survive a failing run")
	}
}

func TestBindRequiresEveryHandler(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory(), timer.NewManual())
	err := s.Bind(Handlers{Sync: func(context.Context, task.SyncPayload) error { return nil }})
	if err == nil || !strings.Contains(err.Error(), "rsvp_reminder") || !strings.Contains(err.Error(), "flush_message_queue") {
		t.Fatalf("Bind err=%v", err)
	}
	if err := s.RunTask(context.Background(), newsletterTask()); !errors.Is(err, ErrNotBound) {
		t.Fatalf("RunTask unbound err=%v", err)
	}
}

func TestPersistenceFailureKeepsRegistry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.store.FailWrites(errors.New("disk full"))
	got, err := f.s.CreateTask(context.Background(), reminderTask("r1", t0.Add(time.Hour), 1, 1))
	if err != nil {
		t.Fatalf("CreateTask should succeed in memory: %v", err)
	}
	if _, ok := f.s.NextFire(got.ID); !ok {
		t.Fatalf("task should be armed")
	}
	for {
		select {
		case e := <-events:
			if e.Type != "task.persist_failed" {
				continue
			}
			if err, _ := e.Data.(error); !errors.Is(err, ErrPersistence) {
				t.Fatalf("event data=%v", e.Data)
			}
			return
		default:
			t.Fatalf("no task.persist_failed event")
		}
	}
}

type fullDispatcher struct{ calls int }

func (d *fullDispatcher) Enqueue(engine.Job) error {
	d.calls++
	return engine.ErrQueueFull
}

func TestFullEngineRunsInline(t *testing.T) {
	t.Parallel()
	d := &fullDispatcher{}
	f := newFixture(t, WithDispatcher(d))

	_, _ = f.s.CreateTask(context.Background(), task.Task{ID: "flush", Trigger: task.Cron("@every 30s"), Payload: task.FlushPayload{}})
	f.timer.Fire(f.handle(t, "flush"))
	if d.calls != 1 || f.calls.flush != 1 {
		t.Fatalf("dispatcher calls=%d flush=%d", d.calls, f.calls.flush)
	}
}

func TestLoadRestoresPersistedTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	rem := raw(task.ReminderPayload{EventID: 1, UserID: 2, LeadMinutes: 30})
	for _, rec := range []storage.TaskRecord{
		{ID: "newsletter", Kind: "newsletter", Trigger: "0 0 19 * * 0", Payload: raw(task.SyncPayload{DaysAhead: 7})},
		{ID: "overdue", Kind: "rsvp_reminder", Trigger: t0.Add(-time.Hour).Format(time.RFC3339), Payload: rem},
		{ID: "future", Kind: "rsvp_reminder", Trigger: t0.Add(time.Hour).Format(time.RFC3339), Payload: rem},
		{ID: "speed", Kind: "speedtest", Trigger: "@hourly"},
		{ID: "flush", Kind: "flush_message_queue", Trigger: "*/30 * * * * *", DelayedChildID: "flush_delayed"},
		{ID: "flush_delayed", Kind: "flush_message_queue", Trigger: t0.Add(time.Minute).Format(time.RFC3339)},
		{ID: "orphan", Kind: "newsletter", Trigger: "@daily", DelayedChildID: "orphan_delayed"},
		{ID: "spent", Kind: "rsvp_reminder", Trigger: t0.Add(-time.Hour).Format(time.RFC3339), Payload: rem, DelayedChildID: "spent_delayed"},
	} {
		_ = f.store.PutTask(ctx, rec)
	}

	n, err := f.s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 6 {
		t.Fatalf("live=%d want 6: %+v", n, f.s.List())
	}
	if _, ok := f.s.GetTask("speed"); ok {
		t.Fatalf("unknown kind must be skipped")
	}
	if in, _ := f.s.Info("flush"); in.Armed || in.Task.DelayedChildID != "flush_delayed" {
		t.Fatalf("delayed parent info=%+v", in)
	}
	if in, _ := f.s.Info("orphan"); !in.Armed || in.Task.DelayedChildID != "" {
		t.Fatalf("orphan parent info=%+v", in)
	}
	if _, ok := f.s.GetTask("spent"); ok {
		t.Fatalf("one-shot parent without child should be dropped")
	}
	st := f.stored(t)
	if _, ok := st["spent"]; ok {
		t.Fatalf("spent parent still stored")
	}
	if st["orphan"].DelayedChildID != "" {
		t.Fatalf("orphan parent not rewritten: %+v", st["orphan"])
	}
	if _, ok := st["speed"]; !ok {
		t.Fatalf("unknown kinds stay in the store")
	}

	f.timer.Fire(f.handle(t, "overdue"))
	if len(f.calls.reminders) != 1 {
		t.Fatalf("overdue reminder did not run")
	}
	if n, _ := f.s.Load(ctx); n != 0 {
		t.Fatalf("second Load armed %d tasks", n)
	}
}
