package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/gcheap/gc/blacklist"
	"github.com/joshuapare/gcheap/internal/mempage"
	"github.com/joshuapare/gcheap/internal/word"
)

// nopIndex satisfies Indexer while counting publications.
type nopIndex struct {
	added   int
	removed int
}

func (ix *nopIndex) AddBlock(*Block)    { ix.added++ }
func (ix *nopIndex) RemoveBlock(*Block) { ix.removed++ }

func newTestArena(t *testing.T, segCache int, bl *blacklist.Table) (*Arena, *nopIndex) {
	t.Helper()
	page := mempage.PageSize()
	ix := &nopIndex{}
	a, err := New(page, 16*page, segCache, ix, bl)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, ix
}

func TestNew_RejectsBadGeometry(t *testing.T) {
	page := mempage.PageSize()
	ix := &nopIndex{}

	_, err := New(page-1, 16*page, 0, ix, nil)
	assert.Error(t, err, "block size must be page multiple")

	_, err = New(2*page, page, 0, ix, nil)
	assert.Error(t, err, "segment must hold at least one block")

	_, err = New(2*page, 5*page, 0, ix, nil)
	assert.Error(t, err, "segment must be a block multiple")
}

func TestArena_AllocBlockGeometry(t *testing.T) {
	a, ix := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	b, err := a.AllocBlock(100, 3, KindNormal, 64)
	require.NoError(t, err)

	assert.Zero(t, b.Base()%uintptr(page), "block base must be block aligned")
	assert.Equal(t, page, b.Span(), "span rounds up to whole blocks")
	assert.Equal(t, 3, b.Class())
	assert.Equal(t, KindNormal, b.Kind())
	assert.Equal(t, 64, b.ChunkSize())
	assert.Equal(t, page/64, b.ChunkCount())
	assert.Equal(t, 1, ix.added)

	low, high := a.Bounds()
	assert.LessOrEqual(t, low, b.Base())
	assert.Greater(t, high, b.Base()+uintptr(b.Span())-1)
}

func TestArena_SplitAndCoalesce(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()
	segSpan := 16 * page

	b, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	require.Equal(t, 1, a.SegmentCount())
	assert.Equal(t, segSpan-page, a.FreeRunBytes(), "remainder returns to the free heap")

	a.FreeBlock(b)
	assert.Equal(t, segSpan, a.FreeRunBytes(), "freed block coalesces with the remainder")
	assert.Equal(t, 1, a.SegmentCount(), "cached segment stays mapped")

	st := a.Snapshot()
	assert.NotZero(t, st.Splits)
	assert.NotZero(t, st.Coalesces)
}

func TestArena_ReusesFreedRun(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	b1, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	base := b1.Base()
	a.FreeBlock(b1)

	b2, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	assert.Equal(t, base, b2.Base(), "best fit should hand the same run back")
	assert.Equal(t, 1, a.SegmentCount(), "no new segment needed")
}

func TestArena_UnmapsBeyondSegmentCache(t *testing.T) {
	a, ix := newTestArena(t, 0, nil)
	page := mempage.PageSize()

	b, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	require.Equal(t, 1, a.SegmentCount())

	a.FreeBlock(b)
	assert.Equal(t, 0, a.SegmentCount(), "fully free segment past the cache is unmapped")
	assert.Equal(t, 1, ix.removed)
	assert.NotZero(t, a.Snapshot().SegmentsUnmapped)
}

func TestArena_LargeRequestGrowsDedicatedSegment(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	// Larger than one segment: the arena maps a rounded-up dedicated one.
	b, err := a.AllocBlock(20*page, ClassLarge, KindNormal, 20*page)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Span(), 20*page)
	assert.Equal(t, 1, b.ChunkCount())
}

func TestArena_BlacklistSteering(t *testing.T) {
	page := mempage.PageSize()
	bl := blacklist.New(1024, 12, 0)
	a, _ := newTestArena(t, 1, bl)

	// Carve three adjacent blocks, then free the first so the free heap
	// holds a small low run and the large tail run.
	b1, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	_, err = a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	badBase := b1.Base()
	a.FreeBlock(b1)

	bl.AddFalsePointer(badBase)

	norm, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	assert.NotEqual(t, badBase, norm.Base(), "pointer-bearing block must avoid the poisoned run")

	atom, err := a.AllocBlock(page, 0, KindAtomic, 64)
	require.NoError(t, err)
	assert.Equal(t, badBase, atom.Base(), "atomic block should soak up the poisoned run")
	assert.NotZero(t, a.Snapshot().BadRunSkips)
}

func TestBlock_BitmapsIndependent(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	b, err := a.AllocBlock(page, 0, KindNormal, 128)
	require.NoError(t, err)

	b.SetAllocated(0)
	b.SetAllocated(5)
	b.SetMarked(5)

	assert.True(t, b.Allocated(0))
	assert.False(t, b.Marked(0))
	assert.True(t, b.Marked(5))
	assert.Equal(t, 2, b.AllocatedCount())
	assert.Equal(t, 1, b.MarkedCount())

	// Sweep reconciliation: alloc becomes exactly the mark set.
	b.SetAllocFromMarks()
	assert.False(t, b.Allocated(0))
	assert.True(t, b.Allocated(5))
	assert.Equal(t, 1, b.AllocatedCount())

	b.ClearMarks()
	assert.Zero(t, b.MarkedCount())
	assert.True(t, b.Allocated(5), "clearing marks must not touch alloc bits")
}

func TestBlock_ChunkAddressing(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	b, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)

	addr := b.ChunkAddr(3)
	i, ok := b.ChunkIndex(addr)
	require.True(t, ok)
	assert.Equal(t, 3, i)

	// Interior addresses resolve to the containing chunk.
	i, ok = b.ChunkIndex(addr + 63)
	require.True(t, ok)
	assert.Equal(t, 3, i)

	_, ok = b.ChunkIndex(b.Base() - 1)
	assert.False(t, ok, "address before the block")
	_, ok = b.ChunkIndex(b.Base() + uintptr(b.Span()))
	assert.False(t, ok, "address past the block")
}

func TestBlock_BuildFreeListLinksFreeChunks(t *testing.T) {
	a, _ := newTestArena(t, 1, nil)
	page := mempage.PageSize()

	b, err := a.AllocBlock(page, 0, KindNormal, 256)
	require.NoError(t, err)
	b.SetAllocated(1)
	b.SetMarked(2)

	head, n := b.BuildFreeList(0)
	assert.Equal(t, b.ChunkCount()-2, n, "allocated and marked chunks stay off the list")

	seen := 0
	for p := head; p != 0; p = word.At(p) {
		i, ok := b.ChunkIndex(p)
		require.True(t, ok)
		assert.NotEqual(t, 1, i)
		assert.NotEqual(t, 2, i)
		seen++
	}
	assert.Equal(t, n, seen, "chain length must match the reported count")
}

func TestArena_AtomicRunsStayPointerFree(t *testing.T) {
	page := mempage.PageSize()
	bl := blacklist.New(1024, 12, 0)
	a, _ := newTestArena(t, 1, bl)

	// Same geometry as the false-pointer steering test: a low atomic
	// block, a normal neighbor, then free the low run.
	b1, err := a.AllocBlock(page, 0, KindAtomic, 64)
	require.NoError(t, err)
	_, err = a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	base := b1.Base()
	require.True(t, bl.RangePointerFree(base, page),
		"atomic dedication records its pages as pointer-free")
	a.FreeBlock(b1)

	norm, err := a.AllocBlock(page, 0, KindNormal, 64)
	require.NoError(t, err)
	assert.NotEqual(t, base, norm.Base(), "pointer-bearing block avoids former atomic pages")

	atom, err := a.AllocBlock(page, 0, KindAtomic, 64)
	require.NoError(t, err)
	assert.Equal(t, base, atom.Base(), "atomic block reclaims its old pages")
}
