package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"newsbot/internal/eventbus"
	"newsbot/internal/storage"
	"newsbot/internal/task"
	logx "newsbot/pkg/logx"
)

var ErrExternalFetch = errors.New("catalog: external fetch failed")

// DefaultDaysAhead is how far ahead a sync looks when the caller passes 0.
const DefaultDaysAhead = 7

// Provider is the external source of organizations and their events.
// ListEvents returns events with now < Start < now+daysAhead; ids are
// assigned by the syncer.
type Provider interface {
	ListOrganizations(ctx context.Context) ([]Organization, error)
	ListEvents(ctx context.Context, orgAbbr string, daysAhead int) ([]Event, error)
}

// TaskClearer drops every live task of one kind. *scheduler.Scheduler
// satisfies it.
type TaskClearer interface {
	ClearTasks(ctx context.Context, kind task.Kind) int
}

type SyncOption func(*Syncer)

func WithSyncBus(b eventbus.Bus) SyncOption         { return func(s *Syncer) { s.bus = b } }
func WithSyncLogger(l logx.Logger) SyncOption       { return func(s *Syncer) { s.log = l } }
func WithSyncClock(now func() time.Time) SyncOption { return func(s *Syncer) { s.now = now } }

// Syncer rebuilds the catalog from a Provider.
type Syncer struct {
	mu    sync.Mutex
	cat   *Catalog
	src   Provider
	tasks TaskClearer
	store storage.CatalogStore

	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func NewSyncer(cat *Catalog, src Provider, tasks TaskClearer, store storage.CatalogStore, opts ...SyncOption) *Syncer {
	s := &Syncer{cat: cat, src: src, tasks: tasks, store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "catalog"))
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	return s
}

func (s *Syncer) Catalog() *Catalog { return s.cat }

// Sync fetches every organization's upcoming events, numbers them 1..N and
// installs the result as a new generation.
//
// Every live reminder is cleared first: the ids they carry belong to the
// generation being replaced. A fetch failure aborts before anything is
// touched and keeps the previous generation.
func (s *Syncer) Sync(ctx context.Context, daysAhead int) (Generation, error) {
	if daysAhead <= 0 {
		daysAhead = DefaultDaysAhead
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	orgs, err := s.src.ListOrganizations(ctx)
	if err != nil {
		return Generation{}, s.fetchFailed(fmt.Errorf("%w: list organizations: %w", ErrExternalFetch, err))
	}
	var events []Event
	for _, o := range orgs {
		evs, err := s.src.ListEvents(ctx, o.Abbr, daysAhead)
		if err != nil {
			return Generation{}, s.fetchFailed(fmt.Errorf("%w: list events for %s: %w", ErrExternalFetch, o.Abbr, err))
		}
		for _, e := range evs {
			e.ID = len(events) + 1
			e.OrgAbbr = o.Abbr
			events = append(events, e)
		}
	}

	gen := Generation{
		Seq:      s.cat.Seq() + 1,
		SyncedAt: s.now(),
		Orgs:     orgs,
		Events:   events,
	}

	cleared := 0
	if s.tasks != nil {
		cleared = s.tasks.ClearTasks(ctx, task.KindReminder)
	}
	if s.store != nil {
		if err := s.store.ReplaceCatalog(ctx, toRecord(gen)); err != nil {
			s.log.Error("persist catalog failed", logx.Uint64("seq", gen.Seq), logx.Err(err))
		}
	}
	s.cat.Replace(gen)

	s.log.Info("catalog synced",
		logx.Uint64("seq", gen.Seq),
		logx.Int("orgs", len(orgs)),
		logx.Int("events", len(events)),
		logx.Int("reminders_cleared", cleared),
		logx.Duration("took", s.now().Sub(start)),
	)
	s.bus.Publish(eventbus.Event{Type: "catalog.synced", Data: gen.Seq})
	return gen, nil
}

func (s *Syncer) fetchFailed(err error) error {
	s.log.Warn("catalog sync aborted", logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: "catalog.sync_failed", Data: err})
	return err
}

// Restore installs the last persisted generation. It reports false when
// nothing was ever synced.
func (s *Syncer) Restore(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	rec, err := s.store.LoadCatalog(ctx)
	if err != nil {
		return false, fmt.Errorf("load catalog: %w", err)
	}
	if rec.Seq == 0 && len(rec.Orgs) == 0 && len(rec.Events) == 0 {
		return false, nil
	}
	s.mu.Lock()
	s.cat.Replace(fromRecord(rec))
	s.mu.Unlock()
	s.log.Info("catalog restored", logx.Uint64("seq", rec.Seq), logx.Int("events", len(rec.Events)))
	return true, nil
}

func toRecord(g Generation) storage.CatalogRecord {
	rec := storage.CatalogRecord{
		Seq:      g.Seq,
		SyncedAt: g.SyncedAt,
		Orgs:     make([]storage.OrgRecord, 0, len(g.Orgs)),
		Events:   make([]storage.EventRecord, 0, len(g.Events)),
	}
	for _, o := range g.Orgs {
		rec.Orgs = append(rec.Orgs, storage.OrgRecord(o))
	}
	for _, e := range g.Events {
		rec.Events = append(rec.Events, storage.EventRecord(e))
	}
	return rec
}

func fromRecord(rec storage.CatalogRecord) Generation {
	g := Generation{
		Seq:      rec.Seq,
		SyncedAt: rec.SyncedAt,
		Orgs:     make([]Organization, 0, len(rec.Orgs)),
		Events:   make([]Event, 0, len(rec.Events)),
	}
	for _, o := range rec.Orgs {
		g.Orgs = append(g.Orgs, Organization(o))
	}
	for _, e := range rec.Events {
		g.Events = append(g.Events, Event(e))
	}
	return g
}
