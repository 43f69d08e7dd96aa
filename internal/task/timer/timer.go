// Package timer is the clock the scheduler arms tasks on.
//
// The scheduler only talks to Facility, so tests can swap the wall clock for
// Manual and fire handles deterministically.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "newsbot/pkg/logx"
)

// Handle identifies one armed timer. The zero Handle is never issued.
type Handle uint64

type Facility interface {
	// ScheduleRecurring calls fn on every match of a cron expression.
	ScheduleRecurring(expr string, fn func()) (Handle, error)
	// ScheduleOnce calls fn once at the given instant (immediately when it has passed).
	ScheduleOnce(at time.Time, fn func()) (Handle, error)
	// Cancel disarms h and reports whether it was still armed.
	Cancel(h Handle) bool
}

var ErrStopped = errors.New("timer: facility stopped")

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron arms recurring timers on robfig/cron and one-shots on time.AfterFunc.
type Cron struct {
	mu      sync.Mutex
	log     logx.Logger
	c       *cron.Cron
	seq     Handle
	entries map[Handle]cron.EntryID
	timers  map[Handle]*time.Timer
	stopped bool
}

func NewCron(loc *time.Location, log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cron{
		log: log,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		entries: map[Handle]cron.EntryID{},
		timers:  map[Handle]*time.Timer{},
	}
}

// Start begins firing recurring entries. One-shot timers run regardless.
func (f *Cron) Start() {
	f.c.Start()
	f.log.Debug("cron started", logx.Int("entries", len(f.c.Entries())))
}

// Stop disarms everything and waits for running cron jobs, bounded by ctx.
func (f *Cron) Stop(ctx context.Context) {
	f.mu.Lock()
	f.stopped = true
	for h, t := range f.timers {
		t.Stop()
		delete(f.timers, h)
	}
	f.mu.Unlock()

	select {
	case <-f.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (f *Cron) ScheduleRecurring(expr string, fn func()) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, ErrStopped
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return 0, err
	}
	f.seq++
	h := f.seq
	f.entries[h] = f.c.Schedule(sched, cron.FuncJob(fn))
	return h, nil
}

func (f *Cron) ScheduleOnce(at time.Time, fn func()) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0, ErrStopped
	}
	f.seq++
	h := f.seq
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	f.timers[h] = time.AfterFunc(delay, func() {
		f.mu.Lock()
		_, live := f.timers[h]
		delete(f.timers, h)
		f.mu.Unlock()
		if live {
			fn()
		}
	})
	return h, nil
}

func (f *Cron) Cancel(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.entries[h]; ok {
		f.c.Remove(id)
		delete(f.entries, h)
		return true
	}
	if t, ok := f.timers[h]; ok {
		t.Stop()
		delete(f.timers, h)
		return true
	}
	return false
}

// cronLogger routes robfig/cron's recover output into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		if k == "" {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
