package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"newsbot/internal/eventbus"
	"newsbot/internal/task"
	"newsbot/internal/task/engine"
	logx "newsbot/pkg/logx"
)

// fire is the timer callback. gen pins the arming it belongs to; a callback
// that lost a race with cancel or re-arm finds a newer generation and quits.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.reg[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	t := e.task
	var puts []task.Task
	var dels []string
	if !t.Trigger.Recurring() {
		puts, dels = s.finishOneShotLocked(e)
	}
	s.mu.Unlock()

	ctx := context.Background()
	s.sync(ctx, puts, dels)
	s.bus.Publish(eventbus.Event{Type: "task.fired", Data: id})

	job := engine.Job{
		ID:            id,
		Name:          string(t.Kind()),
		SkipIfRunning: t.Trigger.Recurring(),
		Once:          !t.Trigger.Recurring(),
		Run:           func(ctx context.Context) error { return s.dispatch(ctx, t) },
	}
	if s.disp != nil {
		err := s.disp.Enqueue(job)
		switch {
		case err == nil:
			return
		case errors.Is(err, engine.ErrOverlapSkip):
			s.log.Debug("previous run still in flight", logx.String("id", id))
			return
		default:
			s.log.Warn("engine rejected task, running inline", logx.String("id", id), logx.Err(err))
		}
	}
	if err := job.Run(ctx); err != nil {
		s.log.Warn("task failed", logx.String("id", id), logx.String("kind", job.Name), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: "task.failed", Data: engine.JobEvent{ID: id, Name: job.Name, Error: err.Error()}})
	}
}

// finishOneShotLocked drops a one-shot task that is about to run and, for a
// delay child, settles its parent: recurring parents resume their schedule,
// one-shot parents are done.
func (s *Scheduler) finishOneShotLocked(e *entry) (puts []task.Task, dels []string) {
	s.removeLocked(e)
	dels = append(dels, e.task.ID)

	parentID, isChild := task.IsDelayedChild(e.task.ID)
	if !isChild {
		return puts, dels
	}
	pe, ok := s.reg[parentID]
	if !ok || pe.task.DelayedChildID != e.task.ID {
		return puts, dels
	}
	pe.task.DelayedChildID = ""
	if pe.task.Trigger.Recurring() {
		if err := s.armLocked(pe); err != nil {
			s.log.Warn("re-arm parent failed", logx.String("id", parentID), logx.Err(err))
		}
		return append(puts, pe.task), dels
	}
	s.removeLocked(pe)
	return puts, append(dels, parentID)
}

func (s *Scheduler) sync(ctx context.Context, puts []task.Task, dels []string) {
	for _, t := range puts {
		s.put(ctx, t)
	}
	for _, id := range dels {
		s.del(ctx, id)
	}
}

// RunTask runs t now on the caller's goroutine. A live one-shot task is
// removed before its handler starts; recurring tasks stay armed.
func (s *Scheduler) RunTask(ctx context.Context, t task.Task) error {
	if t.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidTask, t.ID)
	}
	if !t.Trigger.Recurring() {
		s.mu.Lock()
		var puts []task.Task
		var dels []string
		if e, ok := s.reg[t.ID]; ok {
			puts, dels = s.finishOneShotLocked(e)
		}
		s.mu.Unlock()
		s.sync(ctx, puts, dels)
	}
	err := s.dispatch(ctx, t)
	if err != nil {
		s.log.Warn("task failed", logx.String("id", t.ID), logx.String("kind", string(t.Kind())), logx.Err(err))
	}
	return err
}

// dispatch hands the payload to its handler. Panics come back as errors.
func (s *Scheduler) dispatch(ctx context.Context, t task.Task) (err error) {
	s.mu.Lock()
	h, bound := s.handlers, s.bound
	s.mu.Unlock()
	if !bound {
		s.log.Warn("task fired before handlers were bound", logx.String("id", t.ID))
		return ErrNotBound
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task handler panicked", logx.String("id", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	switch p := t.Payload.(type) {
	case task.SyncPayload:
		return h.Sync(ctx, p)
	case task.ReminderPayload:
		return h.Reminder(ctx, p)
	case task.FlushPayload:
		return h.Flush(ctx, p)
	default:
		s.log.Warn("no handler for payload", logx.String("id", t.ID), logx.String("kind", string(t.Kind())))
		return nil
	}
}

// ClearTasks removes every live task of kind and returns how many went.
func (s *Scheduler) ClearTasks(ctx context.Context, kind task.Kind) int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.reg {
		if e.task.Kind() == kind {
			s.removeLocked(e)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.del(ctx, id)
	}
	if len(ids) > 0 {
		s.log.Info("tasks cleared", logx.String("kind", string(kind)), logx.Int("count", len(ids)))
		s.bus.Publish(eventbus.Event{Type: "task.cleared", Data: kind})
	}
	return len(ids)
}
