package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. It is the default driver and what the
// tests of other packages run against.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]TaskRecord
	catalog CatalogRecord
	members map[int64]Member
	dedup   map[string]time.Time
	audit   []AuditEntry
	closed  bool
	failErr error
}

func NewMemory() *Memory {
	return &Memory{
		tasks:   map[string]TaskRecord{},
		members: map[int64]Member{},
		dedup:   map[string]time.Time{},
	}
}

func (m *Memory) writable() error {
	if m.closed {
		return ErrDisabled
	}
	return m.failErr
}

// FailWrites makes every mutating call return err until called with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *Memory) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutTask(ctx context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.tasks[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) LoadCatalog(ctx context.Context) (CatalogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalog, nil
}

func (m *Memory) ReplaceCatalog(ctx context.Context, rec CatalogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.catalog = rec
	return nil
}

func (m *Memory) GetMember(ctx context.Context, userID int64) (Member, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[userID]
	mem.Unfollowed = slices.Clone(mem.Unfollowed)
	return mem, ok, nil
}

func (m *Memory) PutMember(ctx context.Context, mem Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	mem.Unfollowed = slices.Clone(mem.Unfollowed)
	m.members[mem.UserID] = mem
	return nil
}

func (m *Memory) ListMembers(ctx context.Context) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		mem.Unfollowed = slices.Clone(mem.Unfollowed)
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
