package timer

import (
	"sort"
	"sync"
	"time"
)

// Entry describes one timer armed on a Manual facility.
type Entry struct {
	Handle Handle
	Expr   string
	At     time.Time
}

func (e Entry) Recurring() bool { return e.Expr != "" }

// Manual never fires on its own; callers drive it with Fire.
type Manual struct {
	mu    sync.Mutex
	seq   Handle
	armed map[Handle]manualEntry
}

type manualEntry struct {
	Entry
	fn func()
}

func NewManual() *Manual { return &Manual{armed: map[Handle]manualEntry{}} }

func (m *Manual) ScheduleRecurring(expr string, fn func()) (Handle, error) {
	if _, err := parser.Parse(expr); err != nil {
		return 0, err
	}
	return m.arm(Entry{Expr: expr}, fn), nil
}

func (m *Manual) ScheduleOnce(at time.Time, fn func()) (Handle, error) {
	return m.arm(Entry{At: at}, fn), nil
}

func (m *Manual) arm(e Entry, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Handle = m.seq
	m.armed[e.Handle] = manualEntry{Entry: e, fn: fn}
	return e.Handle
}

func (m *Manual) Cancel(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[h]
	delete(m.armed, h)
	return ok
}

// Fire runs the callback behind h synchronously. One-shot entries are
// disarmed first, as a real timer would be.
func (m *Manual) Fire(h Handle) bool {
	m.mu.Lock()
	e, ok := m.armed[h]
	if ok && !e.Recurring() {
		delete(m.armed, h)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.fn()
	return true
}

// Armed lists live entries in arming order.
func (m *Manual) Armed() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.armed))
	for _, e := range m.armed {
		out = append(out, e.Entry)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}
