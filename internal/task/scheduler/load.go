package scheduler

import (
	"context"
	"errors"
	"fmt"

	"newsbot/internal/task"
	logx "newsbot/pkg/logx"
)

// Load arms every persisted task and returns how many went live. It runs
// once at boot, before anything creates tasks.
//
// Records of unknown kinds, or that no longer validate, are skipped and left
// in the store. One-shot tasks whose time passed while the process was down
// fire right away. A delayed parent stays disarmed while its child exists;
// a parent whose child is gone resumes (recurring) or is dropped (one-shot).
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	recs, err := s.store.LoadTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	loaded := make(map[string]task.Task, len(recs))
	for _, rec := range recs {
		t, err := fromRecord(rec)
		if err != nil {
			lvl := s.log.Warn
			if errors.Is(err, task.ErrUnknownKind) {
				lvl = s.log.Info
			}
			lvl("skip persisted task", logx.String("id", rec.ID), logx.String("kind", rec.Kind), logx.Err(err))
			continue
		}
		loaded[t.ID] = t
	}

	now := s.now()
	var puts []task.Task
	var dels []string
	n := 0

	s.mu.Lock()
	for id, t := range loaded {
		if _, live := s.reg[id]; live {
			continue
		}
		e := &entry{task: t}
		if t.DelayedChildID != "" {
			if _, ok := loaded[t.DelayedChildID]; ok {
				s.reg[id] = e
				n++
				continue
			}
			e.task.DelayedChildID = ""
			if !t.Trigger.Recurring() {
				dels = append(dels, id)
				continue
			}
			puts = append(puts, e.task)
		}
		if !t.Trigger.Recurring() && !t.Trigger.At.After(now) {
			s.log.Info("overdue task fires now", logx.String("id", id), logx.Time("due", t.Trigger.At))
		}
		if err := s.armLocked(e); err != nil {
			s.log.Warn("arm persisted task failed", logx.String("id", id), logx.Err(err))
			continue
		}
		s.reg[id] = e
		n++
	}
	s.mu.Unlock()

	s.sync(ctx, puts, dels)
	s.log.Info("tasks loaded", logx.Int("live", n), logx.Int("stored", len(recs)))
	return n, nil
}
