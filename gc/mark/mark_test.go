package mark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/gcheap/gc/alloc"
	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/gc/blacklist"
	"github.com/joshuapare/gcheap/gc/index"
	"github.com/joshuapare/gcheap/gc/roots"
	"github.com/joshuapare/gcheap/internal/mempage"
	"github.com/joshuapare/gcheap/internal/word"
)

type markHeap struct {
	ix      *index.Index
	ar      *arena.Arena
	central *alloc.Central
	bl      *blacklist.Table
}

func newMarkHeap(t *testing.T) *markHeap {
	t.Helper()
	page := mempage.PageSize()
	bl := blacklist.New(1024, 12, 0)
	ix := index.New(12)
	ar, err := arena.New(page, 16*page, 1, ix, bl)
	require.NoError(t, err)
	t.Cleanup(func() { ar.Close() })
	return &markHeap{
		ix:      ix,
		ar:      ar,
		central: alloc.NewCentral(alloc.NewSizeTable(alloc.ConfigBalanced), ar, ix, false),
		bl:      bl,
	}
}

func (h *markHeap) alloc(t *testing.T, kind arena.Kind) uintptr {
	t.Helper()
	addr, err := h.central.Alloc(64, kind)
	require.NoError(t, err)
	return addr
}

func (h *markHeap) run(e *Engine, rootVals ...uintptr) Stats {
	h.ix.ForEachBlock(func(b *arena.Block) { b.ClearMarks() })
	low, high := h.ar.Bounds()
	snap := roots.Snapshot{Buffers: [][]uintptr{rootVals}}
	return e.Run(snap, low, high, nil)
}

func TestEngine_MarksReachableChain(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	b := h.alloc(t, arena.KindNormal)
	c := h.alloc(t, arena.KindNormal)
	d := h.alloc(t, arena.KindNormal) // unreferenced

	word.Put(a, b)
	word.Put(b+8, c)

	st := h.run(e, a)
	assert.True(t, e.Marked(a))
	assert.True(t, e.Marked(b))
	assert.True(t, e.Marked(c))
	assert.False(t, e.Marked(d), "unreferenced object must stay unmarked")
	assert.Equal(t, int64(3), st.ObjectsMarked)
}

func TestEngine_InteriorPointerRetainsObject(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)

	st := h.run(e, a+24)
	assert.True(t, e.Marked(a), "interior pointer retains the whole object")
	assert.Equal(t, int64(1), st.InteriorHits)
}

func TestEngine_AtomicContentsNotScanned(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	x := h.alloc(t, arena.KindAtomic)
	y := h.alloc(t, arena.KindNormal)
	word.Put(x, y) // binary data that happens to equal y's address

	h.run(e, x)
	assert.True(t, e.Marked(x))
	assert.False(t, e.Marked(y), "atomic contents must not retain anything")
}

func TestEngine_DeclaredSpanLimitsScan(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	b := h.alloc(t, arena.KindNormal)
	c := h.alloc(t, arena.KindNormal)
	word.Put(a, b)    // inside the declared span
	word.Put(a+32, c) // beyond it

	e.DeclareSpan(a, 16)
	h.run(e, a)
	assert.True(t, e.Marked(b))
	assert.False(t, e.Marked(c), "words past the declared span are not pointers")

	// Dropping the span restores full-object scanning.
	e.DropSpan(a)
	h.run(e, a)
	assert.True(t, e.Marked(c))
}

func TestEngine_RootFalsePointerFeedsBlacklist(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	// Allocate once so the block exists, then aim at a chunk that was
	// never handed out.
	a := h.alloc(t, arena.KindNormal)
	blk := h.ix.BlockAt(a)
	free := blk.ChunkAddr(blk.ChunkCount() - 1)

	st := h.run(e, free)
	assert.NotZero(t, st.BlacklistAdds, "free-chunk hit from a root must be learned")
	assert.True(t, h.bl.IsFalsePointer(free))

	st = h.run(e, free)
	assert.NotZero(t, st.BlacklistSkips, "known false pointer is not re-learned")
}

func TestEngine_BlacklistNeverHidesLiveNeighbor(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	// a and the never-handed-out tail chunk share the block's page.
	a := h.alloc(t, arena.KindNormal)
	blk := h.ix.BlockAt(a)
	free := blk.ChunkAddr(blk.ChunkCount() - 1)

	// First cycle poisons the page through the stale value.
	h.run(e, free)
	require.True(t, h.bl.IsFalsePointer(free))

	// A genuine root pointer to a on that same page must still be found.
	st := h.run(e, free, a)
	assert.True(t, e.Marked(a), "a live object on a blacklisted page must survive")
	assert.Equal(t, int64(1), st.ObjectsMarked)
}

func TestEngine_HeapFalsePointerNotLearned(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	blk := h.ix.BlockAt(a)
	free := blk.ChunkAddr(blk.ChunkCount() - 1)
	word.Put(a, free) // heap word, not a root

	st := h.run(e, a)
	assert.Zero(t, st.BlacklistAdds, "heap words churn too much to learn from")
	assert.False(t, h.bl.IsFalsePointer(free))
}

func TestEngine_OutOfBoundsCandidatesFiltered(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)
	h.alloc(t, arena.KindNormal)

	st := h.run(e, 0x10, ^uintptr(0)-0x10)
	assert.Zero(t, st.Candidates, "values outside the heap bounds never reach the index")
	assert.Zero(t, st.ObjectsMarked)
}

func TestEngine_MarkRawPinsWithoutScanning(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	b := h.alloc(t, arena.KindNormal)
	word.Put(a, b)

	h.run(e) // nothing reachable
	e.MarkRaw(a)
	assert.True(t, e.Marked(a))
	assert.False(t, e.Marked(b), "raw pinning must not follow contents")
}

func TestEngine_MarkContentsSparesObjectItself(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	b := h.alloc(t, arena.KindNormal)
	word.Put(a, b)

	h.run(e) // clears marks, nothing reachable
	e.MarkContents(a)
	assert.False(t, e.Marked(a), "the object itself stays unmarked")
	assert.True(t, e.Marked(b), "its referents are retained")
}

func TestEngine_PruneSpansDropsDeadEntries(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	a := h.alloc(t, arena.KindNormal)
	b := h.alloc(t, arena.KindNormal)
	e.DeclareSpan(a, 8)
	e.DeclareSpan(b, 8)

	h.run(e, a) // only a survives
	e.PruneSpans()

	e.spanMu.Lock()
	_, aKept := e.spans[a]
	_, bKept := e.spans[b]
	e.spanMu.Unlock()
	assert.True(t, aKept, "live object keeps its span")
	assert.False(t, bKept, "dead object's span must go before its address is recycled")
}

func TestEngine_SeedsActAsRoots(t *testing.T) {
	h := newMarkHeap(t)
	e := New(h.ix, h.bl)

	u := h.alloc(t, arena.KindUncollectable)
	a := h.alloc(t, arena.KindNormal)
	word.Put(u, a)

	h.ix.ForEachBlock(func(b *arena.Block) { b.ClearMarks() })
	low, high := h.ar.Bounds()
	e.Run(roots.Snapshot{}, low, high, []uintptr{u})

	assert.True(t, e.Marked(u))
	assert.True(t, e.Marked(a), "seed contents are scanned")
}
