package arena

import (
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/gcheap/internal/word"
)

// Kind classifies what a block's objects may contain and whether the
// collector may reclaim them.
type Kind uint8

const (
	// KindNormal objects are zero-initialized and conservatively scanned.
	KindNormal Kind = iota

	// KindAtomic objects are known pointer-free. The marker marks them but
	// never scans their contents.
	KindAtomic

	// KindUncollectable objects are scanned as roots and never reclaimed
	// by a collection; only an explicit Free releases them.
	KindUncollectable

	// NumKinds is the number of allocation kinds.
	NumKinds = 3
)

// ClassLarge is the class value for blocks holding a single large object
// spanning the whole run.
const ClassLarge = -1

// Block is a contiguous span of one or more heap blocks dedicated to a
// single (size class, kind) pair, or to a single large object.
//
// Mark bits are owned by the collector and only mutated while the world is
// stopped. Alloc bits are set and cleared with atomic operations because
// mutator caches hand out chunks without holding the central lock.
type Block struct {
	base       uintptr
	data       []byte
	class      int
	kind       Kind
	chunkSize  int
	chunkCount int

	alloc []atomic.Uint64 // chunk handed out (cache or user)
	marks []uint64        // chunk reached during the last mark phase

	seg        *segment
	pendingRaw atomic.Bool // scheduled for sweep, free list not yet rebuilt
	ownerHint  int32       // owning-cache id, -1 when unowned
}

func newBlock(base uintptr, data []byte, seg *segment, class int, kind Kind, chunkSize int) *Block {
	count := len(data) / chunkSize
	words := (count + 63) / 64
	return &Block{
		base:       base,
		data:       data,
		class:      class,
		kind:       kind,
		chunkSize:  chunkSize,
		chunkCount: count,
		alloc:      make([]atomic.Uint64, words),
		marks:      make([]uint64, words),
		seg:        seg,
		ownerHint:  -1,
	}
}

// Base returns the first address of the block span.
func (b *Block) Base() uintptr { return b.base }

// Span returns the block span in bytes.
func (b *Block) Span() int { return len(b.data) }

// Data returns the block's backing memory.
func (b *Block) Data() []byte { return b.data }

// Class returns the size class index, or ClassLarge.
func (b *Block) Class() int { return b.class }

// Kind returns the allocation kind the block is dedicated to.
func (b *Block) Kind() Kind { return b.kind }

// ChunkSize returns the chunk size in bytes.
func (b *Block) ChunkSize() int { return b.chunkSize }

// ChunkCount returns the number of chunks in the block.
func (b *Block) ChunkCount() int { return b.chunkCount }

// ChunkIndex returns the chunk containing addr. ok is false when addr lies
// in the unusable tail slack behind the last whole chunk.
func (b *Block) ChunkIndex(addr uintptr) (int, bool) {
	off := int(addr - b.base)
	i := off / b.chunkSize
	if i >= b.chunkCount {
		return 0, false
	}
	return i, true
}

// ChunkAddr returns the start address of chunk i.
func (b *Block) ChunkAddr(i int) uintptr {
	return b.base + uintptr(i*b.chunkSize)
}

// ChunkBytes returns the memory of chunk i.
func (b *Block) ChunkBytes(i int) []byte {
	off := i * b.chunkSize
	return b.data[off : off+b.chunkSize]
}

// Allocated reports whether chunk i has been handed out.
func (b *Block) Allocated(i int) bool {
	return b.alloc[i/64].Load()&(1<<uint(i%64)) != 0
}

// SetAllocated marks chunk i as handed out.
func (b *Block) SetAllocated(i int) {
	b.alloc[i/64].Or(1 << uint(i%64))
}

// ClearAllocated marks chunk i as free.
func (b *Block) ClearAllocated(i int) {
	b.alloc[i/64].And(^uint64(1 << uint(i%64)))
}

// AllocatedCount returns the number of handed-out chunks.
func (b *Block) AllocatedCount() int {
	n := 0
	for i := range b.alloc {
		n += bits.OnesCount64(b.alloc[i].Load())
	}
	return n
}

// Marked reports whether chunk i was reached during the last mark phase.
func (b *Block) Marked(i int) bool {
	return b.marks[i/64]&(1<<uint(i%64)) != 0
}

// SetMarked marks chunk i as reachable. World must be stopped.
func (b *Block) SetMarked(i int) {
	b.marks[i/64] |= 1 << uint(i%64)
}

// ClearMarked clears the mark bit of chunk i. Callers serialize against
// the collector (explicit free under the central lock, or world stopped).
func (b *Block) ClearMarked(i int) {
	b.marks[i/64] &^= 1 << uint(i%64)
}

// SetAllocFromMarks replaces the alloc bitmap with the mark bitmap: the
// chunks that survived marking are exactly the allocated ones. World must
// be stopped.
func (b *Block) SetAllocFromMarks() {
	for i := range b.marks {
		b.alloc[i].Store(b.marks[i])
	}
}

// ClearMarks resets all mark bits. World must be stopped.
func (b *Block) ClearMarks() {
	for i := range b.marks {
		b.marks[i] = 0
	}
}

// MarkedCount returns the number of marked chunks.
func (b *Block) MarkedCount() int {
	n := 0
	for _, w := range b.marks {
		n += bits.OnesCount64(w)
	}
	return n
}

// SetPending flags the block as awaiting sweep. Returns false if it was
// already pending.
func (b *Block) SetPending() bool {
	return b.pendingRaw.CompareAndSwap(false, true)
}

// ClearPending clears the pending-sweep flag.
func (b *Block) ClearPending() { b.pendingRaw.Store(false) }

// Pending reports whether the block awaits sweeping.
func (b *Block) Pending() bool { return b.pendingRaw.Load() }

// SetOwner records the id of the cache currently drawing from the block.
func (b *Block) SetOwner(id int32) { b.ownerHint = id }

// Owner returns the owning-cache hint, -1 when unowned.
func (b *Block) Owner() int32 { return b.ownerHint }

// BuildFreeList threads a free list through every unallocated, unmarked
// chunk (first word of each free chunk holds the next link) and returns
// its head and length. tail is linked at the end of the list.
func (b *Block) BuildFreeList(tail uintptr) (head uintptr, n int) {
	head = tail
	for i := b.chunkCount - 1; i >= 0; i-- {
		if b.Allocated(i) || b.Marked(i) {
			continue
		}
		addr := b.ChunkAddr(i)
		word.Put(addr, head)
		head = addr
		n++
	}
	return head, n
}
