package supervisor

import (
	"sort"
	"sync"
)

// Registry names the supervisors of running subsystems (engine, router,
// notifier) so operator commands can report on them.
type Registry struct {
	mu sync.RWMutex
	m  map[string]func() *Supervisor
}

func NewRegistry() *Registry { return &Registry{m: map[string]func() *Supervisor{}} }

// Set registers a lookup, not a pointer: subsystems create their supervisor
// in Start and drop it in Stop. A nil get removes name.
func (r *Registry) Set(name string, get func() *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if get == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = get
}

// Snapshot reports each live supervisor's stats, sorted by name. Subsystems
// that are not running are left out.
func (r *Registry) Snapshot() map[string][]Stats {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for k := range r.m {
		names = append(names, k)
	}
	gets := make([]func() *Supervisor, len(names))
	sort.Strings(names)
	for i, n := range names {
		gets[i] = r.m[n]
	}
	r.mu.RUnlock()

	out := make(map[string][]Stats, len(names))
	for i, n := range names {
		if sup := gets[i](); sup != nil {
			out[n] = sup.Snapshot()
		}
	}
	return out
}

// Names lists registered subsystems in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
