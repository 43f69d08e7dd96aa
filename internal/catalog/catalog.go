// Package catalog holds the current generation of upcoming events and the
// weekly sync that rebuilds it from an external source.
//
// Event ids are positions (1..N) inside one generation. A sync renumbers
// everything, so an id is only meaningful against the generation it came from.
package catalog

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Organization struct {
	Abbr        string
	Name        string
	Description string
	Website     string
	Logo        string
	Color       string
	// ChatID, when set, receives the org's weekly digest.
	ChatID int64
}

type Event struct {
	ID             int
	OrgAbbr        string
	Name           string
	Description    string
	Location       string
	Team           string
	Speaker        string
	SpeakerContact string
	PosterURL      string
	Start          time.Time
	End            time.Time
}

// Started reports whether e has begun at now.
func (e Event) Started(now time.Time) bool { return !e.Start.After(now) }

// Generation is one numbered snapshot of the catalog.
type Generation struct {
	Seq      uint64
	SyncedAt time.Time
	Orgs     []Organization
	Events   []Event
}

// Catalog is the in-memory read surface. Replace swaps the whole generation
// at once; readers never see a half-built one.
type Catalog struct {
	mu   sync.RWMutex
	gen  Generation
	byID map[int]Event
	orgs map[string]Organization
}

func New() *Catalog {
	return &Catalog{byID: map[int]Event{}, orgs: map[string]Organization{}}
}

func (c *Catalog) Get(id int) (Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// All returns the events ordered by id.
func (c *Catalog) All() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Event(nil), c.gen.Events...)
}

func (c *Catalog) Orgs() []Organization {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Organization(nil), c.gen.Orgs...)
}

// Org looks an organization up by abbreviation, ignoring case.
func (c *Catalog) Org(abbr string) (Organization, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orgs[strings.ToLower(abbr)]
	return o, ok
}

// EventsFor returns the events of one organization in start order.
func (c *Catalog) EventsFor(abbr string) []Event {
	c.mu.RLock()
	var out []Event
	for _, e := range c.gen.Events {
		if strings.EqualFold(e.OrgAbbr, abbr) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (c *Catalog) Snapshot() Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g := c.gen
	g.Orgs = append([]Organization(nil), c.gen.Orgs...)
	g.Events = append([]Event(nil), c.gen.Events...)
	return g
}

func (c *Catalog) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen.Seq
}

// Replace installs g as the current generation.
func (c *Catalog) Replace(g Generation) {
	byID := make(map[int]Event, len(g.Events))
	for _, e := range g.Events {
		byID[e.ID] = e
	}
	orgs := make(map[string]Organization, len(g.Orgs))
	for _, o := range g.Orgs {
		orgs[strings.ToLower(o.Abbr)] = o
	}
	g.Orgs = append([]Organization(nil), g.Orgs...)
	g.Events = append([]Event(nil), g.Events...)

	c.mu.Lock()
	c.gen, c.byID, c.orgs = g, byID, orgs
	c.mu.Unlock()
}
