// Package finalize associates cleanup actions with objects and runs them,
// in dependency order, once the objects become unreachable.
//
// # Two-phase design
//
// Finalization never happens inside the pause. While the world is stopped
// the registry only quarantines: it selects the unreachable finalizable
// objects, holds back any that another quarantined object still reaches
// (or that name an unfinalized dependency), and re-marks the survivors so
// the sweep cannot reclaim them. The queued actions then run on a normal
// goroutine after mutators resume, so arbitrary user code never executes
// with the world stopped, and a finalizer is free to allocate or even
// force another collection.
//
// # Ordering and resurrection
//
// If object B is reachable only through quarantined object A, B is not
// queued this cycle; it becomes a candidate once A's finalizer has run.
// Running an action removes its record, so a resurrected object is not
// finalized again unless re-registered. An object that references itself
// holds itself back the same way a peer would; such cycles are never
// finalized, which is the topological-order contract.
package finalize

import (
	"sync"
)

// Action is a finalizer callback. It receives the object's address.
type Action func(addr uintptr)

// Marker is the view of the mark engine the registry needs during
// quarantine. The world is stopped for every call.
type Marker interface {
	// Marked reports whether the object at addr survived marking.
	Marked(addr uintptr) bool
	// MarkObject marks the object at addr and its closure.
	MarkObject(addr uintptr)
	// MarkContents marks the closure reachable from the object's contents
	// without marking the object itself.
	MarkContents(addr uintptr)
}

type record struct {
	addr uintptr
	fn   Action
	dep  uintptr // object whose finalizer must run before this one's
}

// Stats holds finalization counters.
type Stats struct {
	Registered  int64 // live records
	Queued      int64 // actions moved to the run queue, lifetime
	Held        int64 // quarantine holds due to ordering, lifetime
	Ran         int64 // actions executed
	Unregistered int64
}

// Registry owns all finalizable-object records and the run queue.
type Registry struct {
	mu    sync.Mutex
	recs  map[uintptr]*record
	queue []*record
	stats Stats
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{recs: make(map[uintptr]*record)}
}

// Set registers fn to run once the object at addr is unreachable,
// replacing any existing registration. dep, when nonzero, names an object
// whose finalizer must complete first. A nil fn clears the registration.
func (r *Registry) Set(addr uintptr, fn Action, dep uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		if _, ok := r.recs[addr]; ok {
			delete(r.recs, addr)
			r.stats.Registered--
			r.stats.Unregistered++
		}
		return
	}
	if _, ok := r.recs[addr]; !ok {
		r.stats.Registered++
	}
	r.recs[addr] = &record{addr: addr, fn: fn, dep: dep}
}

// Remove drops the registration for addr, reporting whether one existed.
func (r *Registry) Remove(addr uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[addr]; !ok {
		return false
	}
	delete(r.recs, addr)
	r.stats.Registered--
	r.stats.Unregistered++
	return true
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

// PendingCount returns the number of queued, not-yet-run actions.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Quarantine selects unreachable finalizable objects, applies the
// ordering holds, keeps every candidate alive through the coming sweep,
// and queues the ready ones. Called with the world stopped, after
// marking. Returns the number queued.
func (r *Registry) Quarantine(m Marker) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Phase 1: the unreachable candidates, before any re-marking.
	cands := make(map[uintptr]*record)
	for addr, rec := range r.recs {
		if !m.Marked(addr) {
			cands[addr] = rec
		}
	}
	if len(cands) == 0 {
		return 0
	}

	// Phase 2: discover what the candidates reach. A candidate that gets
	// marked here is reachable from a peer and must wait its turn.
	for addr := range cands {
		m.MarkContents(addr)
	}

	// Phase 3: queue the ready, hold the rest. The decisions consult the
	// candidate set, not the shrinking registry, so they are independent
	// of iteration order. Everything unreachable stays alive until its
	// action has run.
	pending := make(map[uintptr]bool, len(r.queue))
	for _, q := range r.queue {
		pending[q.addr] = true
	}
	queued := 0
	for addr, rec := range cands {
		depHeld := false
		if rec.dep != 0 && rec.dep != addr {
			// Hold while the dependency's own action has not run: it is
			// either dying alongside us this cycle or already queued.
			if _, dying := cands[rec.dep]; dying || pending[rec.dep] {
				depHeld = true
			}
		}
		if m.Marked(addr) || depHeld {
			r.stats.Held++
			m.MarkObject(addr) // survive the sweep, retry next cycle
			continue
		}
		delete(r.recs, addr)
		r.stats.Registered--
		r.stats.Queued++
		m.MarkObject(addr) // the action still needs the object
		r.queue = append(r.queue, rec)
		queued++
	}
	return queued
}

// RunPending executes queued actions with no registry lock held, so an
// action may allocate, force a collection, or re-register its object.
// limit caps the number run; zero means all. Returns the number run.
func (r *Registry) RunPending(limit int) int {
	ran := 0
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return ran
		}
		rec := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		rec.fn(rec.addr)
		ran++
		r.mu.Lock()
		r.stats.Ran++
		r.mu.Unlock()

		if limit > 0 && ran >= limit {
			return ran
		}
	}
}

// Snapshot returns a copy of the finalization counters.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
