package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"newsbot/internal/eventbus"
	logx "newsbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	if qj.tracked {
		defer s.running.release(qj.job.Name)
	}
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qj.job, queueDelay)
		s.record(HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task.started", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay}})

	err := s.runGuarded(ctx, qj)

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.record(item)
		s.log.Warn("task.failed", logx.String("job", qj.job.Name), logx.Err(err), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: "task.failed", Time: time.Now(), Data: ev})
	} else {
		s.record(item)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("job", qj.job.Name), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("job", qj.job.Name), logx.Duration("dur", dur))
		}
		s.bus.Publish(eventbus.Event{Type: "task.finished", Time: time.Now(), Data: ev})
	}
}

// runGuarded converts a panic into an error so one bad job cannot kill a worker.
func (s *Service) runGuarded(ctx context.Context, qj queuedJob) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}
