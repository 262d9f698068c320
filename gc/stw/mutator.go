package stw

import "sync/atomic"

// mutState is a mutator's position in the stop protocol.
type mutState int32

const (
	mutActive mutState = iota
	mutParked          // waiting at a safepoint for the world to resume
	mutBlocked
	mutExited
)

// Mutator is one registered program thread of execution.
//
// The root buffer is the mutator's shadow stack: the heap references it
// holds outside managed memory (locals, in-flight values) that the
// collector must treat as roots. Push/Pop/SetRoot are NOT thread-safe;
// only the owning goroutine may call them. The collector reads the buffer
// only while the mutator is parked or blocked.
type Mutator struct {
	name  string
	coord *Coordinator
	state atomic.Int32

	roots []uintptr
}

// Name returns the mutator's registration name.
func (m *Mutator) Name() string { return m.name }

// Safepoint parks the mutator while a stop is in progress and returns
// once the world resumes. Called automatically at allocation boundaries.
func (m *Mutator) Safepoint() {
	if !m.coord.stopFlag.Load() {
		return
	}
	m.park()
}

func (m *Mutator) park() {
	gate := *m.coord.gate.Load()
	m.state.Store(int32(mutParked))
	<-gate
	m.state.Store(int32(mutActive))
}

// EnterBlocked declares the mutator about to wait outside the managed
// heap (I/O, channel operations). The collector scans its root buffer in
// place and does not wait for it. The mutator must not touch managed
// memory until ExitBlocked returns.
func (m *Mutator) EnterBlocked() {
	m.state.Store(int32(mutBlocked))
}

// ExitBlocked re-enters the stop protocol, parking first if a collection
// is underway.
func (m *Mutator) ExitBlocked() {
	if m.coord.stopFlag.Load() {
		m.park()
		return
	}
	m.state.Store(int32(mutActive))
}

// Deregister removes the mutator from the stop protocol. The caller must
// flush and drop its allocation cache first.
func (m *Mutator) Deregister() {
	m.state.Store(int32(mutExited))
	m.coord.remove(m)
}

// PushRoot records a heap reference the mutator is holding.
func (m *Mutator) PushRoot(addr uintptr) {
	m.roots = append(m.roots, addr)
}

// PopRoot drops the most recently pushed reference.
func (m *Mutator) PopRoot() {
	m.roots = m.roots[:len(m.roots)-1]
}

// SetRoot replaces the reference at slot i.
func (m *Mutator) SetRoot(i int, addr uintptr) {
	m.roots[i] = addr
}

// RootLen returns the current root buffer depth.
func (m *Mutator) RootLen() int { return len(m.roots) }

// Roots exposes the root buffer for scanning. The collector calls this
// only while the mutator is parked or blocked.
func (m *Mutator) Roots() []uintptr { return m.roots }
