package finalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphMarker fakes the mark engine over an explicit object graph.
type graphMarker struct {
	marked map[uintptr]bool
	refs   map[uintptr][]uintptr
}

func newGraphMarker() *graphMarker {
	return &graphMarker{marked: map[uintptr]bool{}, refs: map[uintptr][]uintptr{}}
}

func (g *graphMarker) Marked(addr uintptr) bool { return g.marked[addr] }

func (g *graphMarker) MarkObject(addr uintptr) {
	if g.marked[addr] {
		return
	}
	g.marked[addr] = true
	g.MarkContents(addr)
}

func (g *graphMarker) MarkContents(addr uintptr) {
	for _, ref := range g.refs[addr] {
		g.MarkObject(ref)
	}
}

func TestRegistry_SetRemoveClear(t *testing.T) {
	r := NewRegistry()
	noop := func(uintptr) {}

	r.Set(0x100, noop, 0)
	r.Set(0x200, noop, 0)
	assert.Equal(t, 2, r.Len())

	r.Set(0x100, noop, 0) // replace, not duplicate
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove(0x200))
	assert.False(t, r.Remove(0x200))
	assert.Equal(t, 1, r.Len())

	r.Set(0x100, nil, 0) // nil clears
	assert.Zero(t, r.Len())
}

func TestRegistry_QuarantineQueuesUnreachable(t *testing.T) {
	r := NewRegistry()
	var ran []uintptr
	record := func(addr uintptr) { ran = append(ran, addr) }

	r.Set(0x100, record, 0) // unreachable
	r.Set(0x200, record, 0) // still reachable

	g := newGraphMarker()
	g.marked[0x200] = true

	assert.Equal(t, 1, r.Quarantine(g))
	assert.Equal(t, 1, r.PendingCount())
	assert.Equal(t, 1, r.Len(), "reachable object stays registered")
	assert.True(t, g.marked[0x100], "queued object must survive the sweep")

	assert.Equal(t, 1, r.RunPending(0))
	assert.Equal(t, []uintptr{0x100}, ran)
	assert.Zero(t, r.PendingCount())
}

func TestRegistry_ReachableFromPeerIsHeldBack(t *testing.T) {
	// A references B; both unreachable and finalizable. B must not be
	// finalized before A's finalizer has run.
	r := NewRegistry()
	var ran []uintptr
	record := func(addr uintptr) { ran = append(ran, addr) }

	a, b := uintptr(0xa00), uintptr(0xb00)
	r.Set(a, record, 0)
	r.Set(b, record, 0)

	g := newGraphMarker()
	g.refs[a] = []uintptr{b}

	// Cycle 1: only A is ready; B is reachable from quarantined A.
	assert.Equal(t, 1, r.Quarantine(g))
	require.Equal(t, 1, r.RunPending(0))
	assert.Equal(t, []uintptr{a}, ran)
	assert.Equal(t, 1, r.Len(), "B stays registered")
	assert.True(t, g.marked[b], "held object must survive the sweep")

	// Cycle 2: A's record is gone, nothing holds B anymore.
	g2 := newGraphMarker()
	g2.refs[a] = []uintptr{b}
	assert.Equal(t, 1, r.Quarantine(g2))
	require.Equal(t, 1, r.RunPending(0))
	assert.Equal(t, []uintptr{a, b}, ran)
}

func TestRegistry_ExplicitDependencyOrdering(t *testing.T) {
	r := NewRegistry()
	var ran []uintptr
	record := func(addr uintptr) { ran = append(ran, addr) }

	first, second := uintptr(0x100), uintptr(0x200)
	r.Set(first, record, 0)
	r.Set(second, record, first) // second waits for first

	g := newGraphMarker()
	assert.Equal(t, 1, r.Quarantine(g), "only the dependency-free record is ready")
	r.RunPending(0)
	assert.Equal(t, []uintptr{first}, ran)

	g2 := newGraphMarker()
	assert.Equal(t, 1, r.Quarantine(g2))
	r.RunPending(0)
	assert.Equal(t, []uintptr{first, second}, ran)
}

func TestRegistry_SelfCycleIsNeverFinalized(t *testing.T) {
	r := NewRegistry()
	a := uintptr(0xa00)
	r.Set(a, func(uintptr) { t.Fatal("self-referential object must not be finalized") }, 0)

	g := newGraphMarker()
	g.refs[a] = []uintptr{a}

	assert.Zero(t, r.Quarantine(g))
	assert.Equal(t, 1, r.Len(), "held record stays registered")
	assert.True(t, g.marked[a], "held object stays alive")
}

func TestRegistry_ResurrectionRequiresReRegistration(t *testing.T) {
	r := NewRegistry()
	a := uintptr(0xa00)
	runs := 0
	r.Set(a, func(addr uintptr) { runs++ }, 0)

	r.Quarantine(newGraphMarker())
	r.RunPending(0)
	assert.Equal(t, 1, runs)

	// The record is gone: further cycles do not touch the object.
	r.Quarantine(newGraphMarker())
	r.RunPending(0)
	assert.Equal(t, 1, runs)

	// Re-registering arms it again.
	r.Set(a, func(addr uintptr) { runs++ }, 0)
	r.Quarantine(newGraphMarker())
	r.RunPending(0)
	assert.Equal(t, 2, runs)
}

func TestRegistry_FinalizerMayReRegisterItself(t *testing.T) {
	r := NewRegistry()
	a := uintptr(0xa00)
	runs := 0
	var fn Action
	fn = func(addr uintptr) {
		runs++
		if runs < 3 {
			r.Set(addr, fn, 0) // resurrect-and-rearm from inside the action
		}
	}
	r.Set(a, fn, 0)

	for i := 0; i < 5; i++ {
		r.Quarantine(newGraphMarker())
		r.RunPending(0)
	}
	assert.Equal(t, 3, runs)
}

func TestRegistry_RunPendingHonorsLimit(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Set(uintptr(0x1000+i*0x100), func(uintptr) {}, 0)
	}
	require.Equal(t, 5, r.Quarantine(newGraphMarker()))

	assert.Equal(t, 2, r.RunPending(2))
	assert.Equal(t, 3, r.PendingCount())
	assert.Equal(t, 3, r.RunPending(0))

	st := r.Snapshot()
	assert.Equal(t, int64(5), st.Ran)
	assert.Equal(t, int64(5), st.Queued)
}
