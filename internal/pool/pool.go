// Package pool implements spec.md's pool registry: the global pool of
// unspecialized workers plus the command-name -> specialized sub-pool
// mapping, both selected round-robin. All mutation happens on the
// dispatcher loop goroutine (see internal/dispatch), the same way the
// teacher repo's Pool is owned by one orchestrator — only here no mutex
// is needed at all, since there is exactly one caller goroutine.
package pool

import (
	"strings"

	"github.com/mjtrangoni/wprocd/internal/worker"
)

// List is an ordered sequence of worker handles plus a rotating index
// used for round-robin selection, spec.md's "Pool list".
type List struct {
	handles []*worker.Handle
	idx     uint64
}

// Len returns the number of workers currently in the list.
func (l *List) Len() int { return len(l.handles) }

// Add appends a worker handle.
func (l *List) Add(h *worker.Handle) {
	l.handles = append(l.handles, h)
}

// Remove deletes the given handle from the list, if present. idx is
// intentionally left untouched on shrink: spec.md requires it never
// reset, so an eventual wraparound skew across a reduced list is
// acceptable rather than actively avoided.
func (l *List) Remove(h *worker.Handle) {
	for i, cur := range l.handles {
		if cur == h {
			l.handles = append(l.handles[:i], l.handles[i+1:]...)
			return
		}
	}
}

// Next returns the next worker in round-robin order, or nil if the list
// is empty.
func (l *List) Next() *worker.Handle {
	n := len(l.handles)
	if n == 0 {
		return nil
	}
	h := l.handles[l.idx%uint64(n)]
	l.idx++
	return h
}

// Handles returns a defensive copy of the list's members, for status
// reporting and tests.
func (l *List) Handles() []*worker.Handle {
	out := make([]*worker.Handle, len(l.handles))
	copy(out, l.handles)
	return out
}

// Registry holds the global pool and the specialized-worker map keyed by
// the first whitespace-delimited token of a command line, per spec.md
// §4.3/§4.4.
type Registry struct {
	Global      *List
	specialized map[string]*List
}

// NewRegistry creates an empty registry. The reference implementation
// sizes its hash table to an initial 512 buckets; Go's map growth makes
// that tuning unnecessary, so it is not reproduced (see DESIGN.md).
func NewRegistry() *Registry {
	return &Registry{
		Global:      &List{},
		specialized: make(map[string]*List),
	}
}

// AddGlobal inserts h into the global pool.
func (r *Registry) AddGlobal(h *worker.Handle) {
	r.Global.Add(h)
}

// AddSpecialized inserts h into the sub-pool for each plugin name.
func (r *Registry) AddSpecialized(h *worker.Handle, plugins []string) {
	for _, name := range plugins {
		l, ok := r.specialized[name]
		if !ok {
			l = &List{}
			r.specialized[name] = l
		}
		l.Add(h)
	}
}

// RemoveEverywhere removes h from the global pool and from every
// specialized pool it appears in, matching spec.md §4.6 step 2's
// "remove the worker from the global pool and from every specialized
// pool it appears in". Empty specialized pools are pruned, mirroring the
// reference implementation's dkhash walk that deletes drained buckets.
func (r *Registry) RemoveEverywhere(h *worker.Handle) {
	r.Global.Remove(h)
	for name, l := range r.specialized {
		l.Remove(h)
		if l.Len() == 0 {
			delete(r.specialized, name)
		}
	}
}

// commandName returns the first whitespace-delimited token of cmd.
func commandName(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// Select implements spec.md §4.3's get_worker pool-selection step (1-3):
// look up a specialized pool for cmd's bare command name, falling back to
// the global pool, failing if neither has any members.
func (r *Registry) Select(cmd string) (*List, error) {
	name := commandName(cmd)
	if l, ok := r.specialized[name]; ok && l.Len() > 0 {
		return l, nil
	}
	if r.Global.Len() > 0 {
		return r.Global, nil
	}
	return nil, errNoWorkers
}

// GlobalEmpty reports whether the global pool has no members, used to
// drive the fatal-class log spec.md §4.6 calls for when the last global
// worker dies.
func (r *Registry) GlobalEmpty() bool {
	return r.Global.Len() == 0
}
