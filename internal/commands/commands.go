// Package commands is the bot's chat surface: public commands for browsing
// events and managing reminders and digests, and owner commands for
// operating the scheduler.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsbot/internal/catalog"
	"newsbot/internal/newsletter"
	"newsbot/internal/notifier"
	"newsbot/internal/reminder"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	"newsbot/internal/task/engine"
	"newsbot/internal/task/scheduler"
	"newsbot/internal/transport/telegram/router"
	logx "newsbot/pkg/logx"
)

type Events interface {
	Get(id int) (catalog.Event, bool)
	All() []catalog.Event
	Orgs() []catalog.Organization
	Org(abbr string) (catalog.Organization, bool)
	EventsFor(abbr string) []catalog.Event
	Seq() uint64
}

type Reminders interface {
	Register(ctx context.Context, eventID int, userID int64) (task.Task, error)
	Unregister(ctx context.Context, eventID int, userID int64) error
	Upcoming(userID int64) []task.Task
	Lead() time.Duration
}

type Prefs interface {
	Subscribe(ctx context.Context, userID, chatID int64) (storage.Member, error)
	Unsubscribe(ctx context.Context, userID int64) (storage.Member, error)
	Follow(ctx context.Context, userID int64, abbr string) (storage.Member, error)
	Unfollow(ctx context.Context, userID int64, abbr string) (storage.Member, error)
}

// Tasks is the operator view of the scheduler.
type Tasks interface {
	List() []task.Task
	Info(id string) (scheduler.Info, bool)
	GetTask(id string) (task.Task, bool)
	Delay(ctx context.Context, id string, minutes int) (task.Task, error)
	RunTask(ctx context.Context, t task.Task) error
	DeleteTask(ctx context.Context, id string) bool
}

type Syncer interface {
	Sync(ctx context.Context, daysAhead int) (catalog.Generation, error)
}

type Engine interface {
	Snapshot() engine.Snapshot
	History() []engine.HistoryItem
}

type Outbox interface {
	Pending() int
	History() []notifier.HistoryItem
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators the commands drive. Engine, Outbox, Audit and
// Supervisors may be nil.
type Deps struct {
	Events      Events
	Reminders   Reminders
	Prefs       Prefs
	Tasks       Tasks
	Syncer      Syncer
	Engine      Engine
	Outbox      Outbox
	Audit       Auditor
	Supervisors *supervisor.Registry

	Location  *time.Location
	DaysAhead int
	Log       logx.Logger
	Now       func() time.Time
}

type handlers struct {
	Deps
}

// Build returns the full command set.
func Build(d Deps) []router.Command {
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.DaysAhead <= 0 {
		d.DaysAhead = catalog.DefaultDaysAhead
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	return append(h.public(), h.admin()...)
}

type usageError string

func (e usageError) Error() string { return "usage: " + string(e) }

// ErrorText renders rejections a user can act on. Anything else is an
// internal failure.
func ErrorText(err error) (string, bool) {
	var u usageError
	switch {
	case errors.As(err, &u):
		return "Usage: " + string(u), true
	case errors.Is(err, reminder.ErrEventNotFound):
		return "There is no event with that number this week. See /events.", true
	case errors.Is(err, reminder.ErrNotRegistered):
		return "You don't have a reminder for that event.", true
	case errors.Is(err, reminder.ErrConflict):
		return "You're already registered for that event.", true
	case errors.Is(err, reminder.ErrTooLate):
		return "That event starts too soon for a reminder.", true
	case errors.Is(err, reminder.ErrAlreadyStarted):
		return "That event has already started.", true
	case errors.Is(err, newsletter.ErrUnknownOrg):
		return "Unknown organization. See /orgs.", true
	case errors.Is(err, catalog.ErrExternalFetch):
		return "Couldn't reach the event source. The current catalog is unchanged.", true
	case errors.Is(err, scheduler.ErrNotFound):
		return "No task with that id. See /task list.", true
	case errors.Is(err, scheduler.ErrAlreadyDelayed):
		return "That task is already a delayed copy. Delay its parent instead.", true
	case errors.Is(err, scheduler.ErrExpired):
		return "That would schedule the task in the past.", true
	case errors.Is(err, scheduler.ErrInvalidTask):
		return "Invalid task: " + err.Error(), true
	}
	return "", false
}

func intArg(req *router.Request, i int, usage string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(req.Arg(i), "#"))
	if err != nil {
		return 0, usageError(usage)
	}
	return n, nil
}

// audit records an operator action. Storage errors are logged only.
func (h *handlers) audit(ctx context.Context, req *router.Request, component, action, target string, start time.Time, err error) {
	if h.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            h.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Component:     component,
		Action:        action,
		Target:        target,
		OK:            err == nil,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if aerr := h.Audit.AppendAudit(actx, e); aerr != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (h *handlers) when(t time.Time) string {
	return t.In(h.Location).Format("Mon Jan 2, 3:04 PM MST")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
