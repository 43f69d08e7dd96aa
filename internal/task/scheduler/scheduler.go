package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsbot/internal/eventbus"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	"newsbot/internal/task/engine"
	"newsbot/internal/task/timer"
	logx "newsbot/pkg/logx"
)

// Dispatcher runs fired tasks off the timer goroutine. *engine.Service
// satisfies it.
type Dispatcher interface {
	Enqueue(j engine.Job) error
}

// Handlers has one function per payload variant. Bind rejects a set with
// a missing entry, so every kind that can be created can also be run.
type Handlers struct {
	Sync     func(ctx context.Context, p task.SyncPayload) error
	Reminder func(ctx context.Context, p task.ReminderPayload) error
	Flush    func(ctx context.Context, p task.FlushPayload) error
}

func (h Handlers) validate() error {
	var missing []string
	if h.Sync == nil {
		missing = append(missing, string(task.KindNewsletter))
	}
	if h.Reminder == nil {
		missing = append(missing, string(task.KindReminder))
	}
	if h.Flush == nil {
		missing = append(missing, string(task.KindQueueFlush))
	}
	if len(missing) > 0 {
		return fmt.Errorf("scheduler: missing handlers for %s", strings.Join(missing, ", "))
	}
	return nil
}

type Option func(*Scheduler)

func WithDispatcher(d Dispatcher) Option    { return func(s *Scheduler) { s.disp = d } }
func WithBus(b eventbus.Bus) Option         { return func(s *Scheduler) { s.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(s *Scheduler) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option { return func(s *Scheduler) { s.loc = loc } }

type entry struct {
	task   task.Task
	handle timer.Handle
	armed  bool
	gen    uint64
}

type Scheduler struct {
	mu       sync.Mutex
	reg      map[string]*entry
	seq      uint64
	handlers Handlers
	bound    bool

	store  storage.TaskStore
	timers timer.Facility
	disp   Dispatcher
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	loc    *time.Location
}

func New(store storage.TaskStore, timers timer.Facility, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:    map[string]*entry{},
		store:  store,
		timers: timers,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	return s
}

func (s *Scheduler) Bind(h Handlers) error {
	if err := h.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.handlers = h
	s.bound = true
	s.mu.Unlock()
	return nil
}

// CreateTask validates, persists and arms t. An id that is already live
// returns the existing task untouched. An empty id gets a random one. Ids
// with the delay-child suffix are reserved for Delay.
func (s *Scheduler) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if _, child := task.IsDelayedChild(t.ID); child {
		return task.Task{}, fmt.Errorf("%w: id %q ends in %q", ErrInvalidTask, t.ID, task.DelayedSuffix)
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	s.mu.Lock()
	if e, ok := s.reg[t.ID]; ok {
		s.mu.Unlock()
		return e.task, nil
	}
	s.mu.Unlock()
	if !t.Trigger.Recurring() && !t.Trigger.At.After(s.now()) {
		return task.Task{}, fmt.Errorf("%w: %s at %s", ErrExpired, t.ID, t.Trigger.At.Format(time.RFC3339))
	}

	s.put(ctx, t)

	s.mu.Lock()
	if e, ok := s.reg[t.ID]; ok {
		s.mu.Unlock()
		return e.task, nil
	}
	e := &entry{task: t}
	err := s.armLocked(e)
	if err == nil {
		s.reg[t.ID] = e
	}
	s.mu.Unlock()
	if err != nil {
		s.del(ctx, t.ID)
		return task.Task{}, fmt.Errorf("%w: arm %s: %v", ErrInvalidTask, t.ID, err)
	}

	s.log.Debug("task created", logx.String("id", t.ID), logx.String("kind", string(t.Kind())), logx.String("trigger", t.Trigger.String()))
	s.bus.Publish(eventbus.Event{Type: "task.created", Data: t.ID})
	return t, nil
}

// DeleteTask removes a live task and reports whether it existed. Deleting a
// delayed parent also drops its child; deleting a child cancels the delay and
// puts the parent back on its own schedule.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.reg[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(e)
	dels := []string{id}
	var puts []task.Task

	if child := e.task.DelayedChildID; child != "" {
		if ce, ok := s.reg[child]; ok {
			s.removeLocked(ce)
			dels = append(dels, child)
		}
	}
	if parentID, isChild := task.IsDelayedChild(id); isChild {
		if pe, ok := s.reg[parentID]; ok && pe.task.DelayedChildID == id {
			pe.task.DelayedChildID = ""
			if s.resumableLocked(pe) {
				if err := s.armLocked(pe); err != nil {
					s.log.Warn("re-arm parent failed", logx.String("id", parentID), logx.Err(err))
				}
				puts = append(puts, pe.task)
			} else {
				s.removeLocked(pe)
				dels = append(dels, parentID)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range puts {
		s.put(ctx, t)
	}
	for _, d := range dels {
		s.del(ctx, d)
		s.bus.Publish(eventbus.Event{Type: "task.deleted", Data: d})
	}
	s.log.Debug("task deleted", logx.String("id", id), logx.Int("removed", len(dels)))
	return true
}

// EnsureTask creates t, or replaces the live task with the same id when its
// trigger or payload differs from t. It reports whether anything changed.
// Used for tasks whose schedule comes from config.
func (s *Scheduler) EnsureTask(ctx context.Context, t task.Task) (task.Task, bool, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, false, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if cur, ok := s.GetTask(t.ID); ok {
		if cur.Trigger.String() == t.Trigger.String() && reflect.DeepEqual(cur.Payload, t.Payload) {
			return cur, false, nil
		}
		s.DeleteTask(ctx, t.ID)
		s.log.Info("task schedule changed",
			logx.String("id", t.ID),
			logx.String("was", cur.Trigger.String()),
			logx.String("now", t.Trigger.String()),
		)
	}
	out, err := s.CreateTask(ctx, t)
	if err != nil {
		return task.Task{}, false, err
	}
	return out, true, nil
}

func (s *Scheduler) GetTask(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reg[id]
	if !ok {
		return task.Task{}, false
	}
	return e.task, true
}

// List returns every live task ordered by id.
func (s *Scheduler) List() []task.Task {
	return s.filter(func(task.Task) bool { return true })
}

func (s *Scheduler) ListKind(kind task.Kind) []task.Task {
	return s.filter(func(t task.Task) bool { return t.Kind() == kind })
}

func (s *Scheduler) filter(keep func(task.Task) bool) []task.Task {
	s.mu.Lock()
	out := make([]task.Task, 0, len(s.reg))
	for _, e := range s.reg {
		if keep(e.task) {
			out = append(out, e.task)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info is a task together with its timer state.
type Info struct {
	Task  task.Task
	Armed bool
	Next  time.Time
}

func (s *Scheduler) Info(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.reg[id]
	if !ok {
		return Info{}, false
	}
	in := Info{Task: e.task, Armed: e.armed}
	if e.armed {
		in.Next, _ = e.task.Trigger.Next(s.now(), s.loc)
	}
	return in, true
}

// NextFire is when an armed task fires next. Disarmed parents report false.
func (s *Scheduler) NextFire(id string) (time.Time, bool) {
	in, ok := s.Info(id)
	if !ok || !in.Armed {
		return time.Time{}, false
	}
	return in.Next, !in.Next.IsZero()
}

// armLocked (re)arms e on the timer facility with a fresh generation.
func (s *Scheduler) armLocked(e *entry) error {
	if e.armed {
		s.timers.Cancel(e.handle)
		e.armed = false
	}
	s.seq++
	gen := s.seq
	id := e.task.ID
	fire := func() { s.fire(id, gen) }

	var h timer.Handle
	var err error
	if e.task.Trigger.Recurring() {
		h, err = s.timers.ScheduleRecurring(e.task.Trigger.Cron, fire)
	} else {
		h, err = s.timers.ScheduleOnce(e.task.Trigger.At, fire)
	}
	if err != nil {
		return err
	}
	e.handle, e.armed, e.gen = h, true, gen
	return nil
}

func (s *Scheduler) disarmLocked(e *entry) {
	if e.armed {
		s.timers.Cancel(e.handle)
	}
	e.armed = false
	// a callback already in flight for the old generation becomes a no-op
	s.seq++
	e.gen = s.seq
}

func (s *Scheduler) removeLocked(e *entry) {
	s.disarmLocked(e)
	delete(s.reg, e.task.ID)
}

// resumableLocked reports whether a parent whose delay ended can go back
// on its own trigger. A one-shot parent whose time passed cannot.
func (s *Scheduler) resumableLocked(e *entry) bool {
	return e.task.Trigger.Recurring() || e.task.Trigger.At.After(s.now())
}

func (s *Scheduler) put(ctx context.Context, t task.Task) {
	rec, err := toRecord(t)
	if err == nil {
		err = s.store.PutTask(ctx, rec)
	}
	if err != nil {
		s.persistFailed("put", t.ID, err)
	}
}

func (s *Scheduler) del(ctx context.Context, id string) {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		s.persistFailed("delete", id, err)
	}
}

func (s *Scheduler) persistFailed(op, id string, err error) {
	err = fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, id, err)
	s.log.Error("task store write failed", logx.String("op", op), logx.String("id", id), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: "task.persist_failed", Data: err})
}

// IsUserError reports whether err is a rejection a caller can act on rather
// than an internal failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyDelayed) || errors.Is(err, ErrInvalidTask)
}
