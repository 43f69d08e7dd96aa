// Package task defines the scheduled-task model shared by the scheduler,
// the store codec and the components that create tasks.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DelayedSuffix marks the child created when a task is pushed back.
const DelayedSuffix = "_delayed"

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5- or 6-field (seconds first) cron expression or a
// descriptor such as "@weekly" or "@every 1h".
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	return cronParser.Parse(expr)
}

// Trigger is either a recurring cron expression or a one-shot instant.
type Trigger struct {
	Cron string
	At   time.Time
}

func Cron(expr string) Trigger    { return Trigger{Cron: strings.TrimSpace(expr)} }
func At(t time.Time) Trigger      { return Trigger{At: t} }
func (t Trigger) Recurring() bool { return t.Cron != "" }

func (t Trigger) Validate() error {
	switch {
	case t.Cron != "" && !t.At.IsZero():
		return errors.New("trigger has both cron and time")
	case t.Cron != "":
		if _, err := ParseCron(t.Cron); err != nil {
			return fmt.Errorf("cron %q: %w", t.Cron, err)
		}
		return nil
	case t.At.IsZero():
		return errors.New("trigger is empty")
	default:
		return nil
	}
}

// String is the persisted form: the cron expression, or RFC 3339.
func (t Trigger) String() string {
	if t.Recurring() {
		return t.Cron
	}
	return t.At.UTC().Format(time.RFC3339Nano)
}

// ParseTrigger is the inverse of Trigger.String.
func ParseTrigger(s string) (Trigger, error) {
	s = strings.TrimSpace(s)
	if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return At(at), nil
	}
	tr := Cron(s)
	return tr, tr.Validate()
}

// Next returns the first fire time strictly after now. A one-shot trigger
// whose instant is not after now has no next fire.
func (t Trigger) Next(now time.Time, loc *time.Location) (time.Time, bool) {
	if !t.Recurring() {
		return t.At, t.At.After(now)
	}
	sched, err := ParseCron(t.Cron)
	if err != nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(now.In(loc))
	return next, !next.IsZero()
}

// Task is a unit of scheduled work. Its kind follows from the payload.
type Task struct {
	ID             string
	Trigger        Trigger
	Payload        Payload
	DelayedChildID string
}

func (t Task) Kind() Kind {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Kind()
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is empty")
	}
	if t.Payload == nil {
		return errors.New("task payload is missing")
	}
	if err := t.Payload.Validate(); err != nil {
		return fmt.Errorf("%s payload: %w", t.Kind(), err)
	}
	return t.Trigger.Validate()
}

// IsDelayedChild reports whether id names a delay child, and returns the
// parent id.
func IsDelayedChild(id string) (parent string, ok bool) {
	if !strings.HasSuffix(id, DelayedSuffix) || len(id) == len(DelayedSuffix) {
		return "", false
	}
	return strings.TrimSuffix(id, DelayedSuffix), true
}

// ChildID is the id of the delay child of parent.
func ChildID(parent string) string { return parent + DelayedSuffix }
