// Package reminder turns RSVPs into one-shot scheduler tasks and delivers
// them when they fire.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/notifier"
	"newsbot/internal/task"
	"newsbot/internal/task/scheduler"
	kit "newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

var (
	ErrEventNotFound  = errors.New("reminder: no event with that number this week")
	ErrNotRegistered  = errors.New("reminder: not registered for that event")
	ErrConflict       = errors.New("reminder: already registered for that event")
	ErrTooLate        = errors.New("reminder: event starts too soon")
	ErrAlreadyStarted = errors.New("reminder: event already started")
)

const DefaultLead = 30 * time.Minute

// Events resolves event ids in the current generation.
type Events interface {
	Get(id int) (catalog.Event, bool)
}

// Tasks is the part of the scheduler the coordinator drives.
type Tasks interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	DeleteTask(ctx context.Context, id string) bool
	ListKind(kind task.Kind) []task.Task
}

type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

type Option func(*Coordinator)

func WithLead(d time.Duration) Option        { return func(c *Coordinator) { c.lead = d } }
func WithLogger(l logx.Logger) Option        { return func(c *Coordinator) { c.log = l } }
func WithClock(now func() time.Time) Option  { return func(c *Coordinator) { c.now = now } }
func WithLocation(loc *time.Location) Option { return func(c *Coordinator) { c.loc = loc } }

// Coordinator keeps at most one live reminder per (event, user).
type Coordinator struct {
	// mu serializes check-then-create so two RSVPs for the same pair cannot
	// both pass the conflict check.
	mu sync.Mutex

	events Events
	tasks  Tasks
	send   Sender
	lead   time.Duration
	log    logx.Logger
	now    func() time.Time
	loc    *time.Location
}

func New(events Events, tasks Tasks, send Sender, opts ...Option) *Coordinator {
	c := &Coordinator{events: events, tasks: tasks, send: send, lead: DefaultLead, now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(c)
	}
	if c.lead <= 0 {
		c.lead = DefaultLead
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "reminder"))
	return c
}

func (c *Coordinator) Lead() time.Duration { return c.lead }

// Register schedules a reminder lead before the event starts.
func (c *Coordinator) Register(ctx context.Context, eventID int, userID int64) (task.Task, error) {
	ev, ok := c.events.Get(eventID)
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	now := c.now()
	if ev.Started(now) {
		return task.Task{}, ErrAlreadyStarted
	}
	at := ev.Start.Add(-c.lead)
	if !at.After(now) {
		return task.Task{}, fmt.Errorf("%w: starts within %d minutes", ErrTooLate, c.leadMinutes())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.find(eventID, userID); ok {
		return task.Task{}, ErrConflict
	}
	t, err := c.tasks.CreateTask(ctx, task.Task{
		Trigger: task.At(at),
		Payload: task.ReminderPayload{EventID: eventID, UserID: userID, LeadMinutes: c.leadMinutes()},
	})
	if errors.Is(err, scheduler.ErrExpired) {
		return task.Task{}, fmt.Errorf("%w: starts within %d minutes", ErrTooLate, c.leadMinutes())
	}
	if err != nil {
		return task.Task{}, err
	}
	c.log.Info("rsvp registered", logx.Int("event", eventID), logx.Int64("user", userID), logx.String("task", t.ID), logx.Time("at", at))
	return t, nil
}

// Unregister cancels the user's reminder for eventID.
func (c *Coordinator) Unregister(ctx context.Context, eventID int, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.find(eventID, userID)
	if !ok || !c.tasks.DeleteTask(ctx, t.ID) {
		return ErrNotRegistered
	}
	c.log.Info("rsvp cancelled", logx.Int("event", eventID), logx.Int64("user", userID), logx.String("task", t.ID))
	return nil
}

// Upcoming lists the user's live reminders, soonest first. A delayed
// reminder is listed once, at its delayed time.
func (c *Coordinator) Upcoming(userID int64) []task.Task {
	var out []task.Task
	for _, t := range c.tasks.ListKind(task.KindReminder) {
		if t.DelayedChildID != "" {
			continue
		}
		if p, ok := t.Payload.(task.ReminderPayload); ok && p.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger.At.Before(out[j].Trigger.At) })
	return out
}

// find prefers the parent of a delayed reminder: deleting it drops the child
// too, while deleting only the child would re-arm the parent.
func (c *Coordinator) find(eventID int, userID int64) (task.Task, bool) {
	var child task.Task
	var found bool
	for _, t := range c.tasks.ListKind(task.KindReminder) {
		p, ok := t.Payload.(task.ReminderPayload)
		if !ok || p.EventID != eventID || p.UserID != userID {
			continue
		}
		if _, isChild := task.IsDelayedChild(t.ID); !isChild {
			return t, true
		}
		child, found = t, true
	}
	return child, found
}

func (c *Coordinator) leadMinutes() int { return int(c.lead / time.Minute) }

// Handle delivers a fired reminder. An event that vanished from the catalog
// is skipped quietly.
func (c *Coordinator) Handle(ctx context.Context, p task.ReminderPayload) error {
	ev, ok := c.events.Get(p.EventID)
	if !ok {
		c.log.Debug("reminder for unknown event dropped", logx.Int("event", p.EventID), logx.Int64("user", p.UserID))
		return nil
	}
	return c.send.Send(ctx, notifier.Message{
		To:   kit.ChatTarget{ChatID: p.UserID},
		Text: Text(ev, p.LeadMinutes, c.loc),
		Key:  fmt.Sprintf("reminder:%d:%d:%d", p.EventID, p.UserID, ev.Start.Unix()),
	})
}

// Text renders the reminder message.
func Text(ev catalog.Event, leadMinutes int, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "'%s' is starting in %d minutes!", ev.Name, leadMinutes)
	if ev.Location != "" {
		fmt.Fprintf(&b, "\nLocation: %s", ev.Location)
	}
	if loc != nil {
		fmt.Fprintf(&b, "\nStarts: %s", ev.Start.In(loc).Format("Mon 3:04 PM MST"))
	}
	return b.String()
}
