package scheduler

import (
	"context"
	"fmt"
	"time"

	"newsbot/internal/eventbus"
	"newsbot/internal/task"
	logx "newsbot/pkg/logx"
)

// Delay pushes the next run of id back by minutes.
//
// A one-shot child "<id>_delayed" is armed at nextFire+minutes with the same
// payload; the parent keeps its id, records the child and stays disarmed
// until the child fires. Delaying again replaces the child and counts from
// the child's time. Children cannot
// be delayed themselves: delay the parent instead.
func (s *Scheduler) Delay(ctx context.Context, id string, minutes int) (task.Task, error) {
	if parent, ok := task.IsDelayedChild(id); ok {
		return task.Task{}, fmt.Errorf("%w: delay %q instead", ErrAlreadyDelayed, parent)
	}
	now := s.now()

	s.mu.Lock()
	pe, ok := s.reg[id]
	if !ok {
		s.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var next time.Time
	if ce, ok := s.reg[pe.task.DelayedChildID]; ok && pe.task.DelayedChildID != "" {
		// already delayed: the pending run is the child's
		next = ce.task.Trigger.At
	} else if pe.task.Trigger.Recurring() {
		next, ok = pe.task.Trigger.Next(now, s.loc)
		if !ok {
			s.mu.Unlock()
			return task.Task{}, fmt.Errorf("%w: %s has no next run", ErrExpired, id)
		}
	} else {
		next = pe.task.Trigger.At
	}
	newTime := next.Add(time.Duration(minutes) * time.Minute)
	if !newTime.After(now) {
		s.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: %s would run at %s", ErrExpired, id, newTime.Format(time.RFC3339))
	}

	child := task.Task{ID: task.ChildID(id), Trigger: task.At(newTime), Payload: pe.task.Payload}
	ce := &entry{task: child}
	if err := s.armLocked(ce); err != nil {
		s.mu.Unlock()
		return task.Task{}, fmt.Errorf("%w: arm %s: %v", ErrInvalidTask, child.ID, err)
	}
	if old, ok := s.reg[child.ID]; ok {
		s.disarmLocked(old)
	}
	s.reg[child.ID] = ce
	s.disarmLocked(pe)
	pe.task.DelayedChildID = child.ID
	parent := pe.task
	s.mu.Unlock()

	s.put(ctx, parent)
	s.put(ctx, child)

	s.log.Info("task delayed",
		logx.String("id", id),
		logx.Int("minutes", minutes),
		logx.Time("was", next),
		logx.Time("now", newTime),
	)
	s.bus.Publish(eventbus.Event{Type: "task.delayed", Data: child.ID})
	return child, nil
}
