package alloc

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/gc/index"
	"github.com/joshuapare/gcheap/internal/word"
)

// Runtime debug flag for allocation logging - controlled by GCHEAP_LOG_ALLOC.
var logAlloc = os.Getenv("GCHEAP_LOG_ALLOC") != ""

// ClassSweeper supplies lazily swept chunks for a size class. Implemented
// by the reclaimer; nil when sweeping is eager.
type ClassSweeper interface {
	// SweepClass sweeps one pending block of the class. ok is false when no
	// block is pending. A non-nil Empty is a fully free block the caller
	// must retire.
	SweepClass(kind arena.Kind, class int) (SweepResult, bool)

	// SweepBlock sweeps b immediately if it is still queued. ok is false
	// when the block was not pending.
	SweepBlock(b *arena.Block) (SweepResult, bool)
}

// SweepResult is the outcome of sweeping one block.
type SweepResult struct {
	Block *arena.Block
	Head  uintptr // rebuilt free chunk chain (0 when none)
	Count int
	Empty *arena.Block // non-nil when the block came up fully free
}

// freeList is one size class's chain of free chunks, threaded through the
// first word of each chunk.
type freeList struct {
	head  uintptr
	count int
}

// Stats holds central allocator counters.
type Stats struct {
	AllocCalls     int   // Total Alloc calls
	AllocFastPath  int   // Served from an existing free list
	AllocSwept     int   // Served after lazily sweeping a pending block
	AllocGrew      int   // Required a fresh block from the arena
	FreeCalls      int   // Explicit frees
	LargeAllocs    int   // Dedicated-run allocations
	LargeFrees     int   //
	BytesAllocated int64 // Total bytes handed out (chunk-size accounted)
	BytesFreed     int64 // Bytes returned by explicit free
	BlocksRetired  int   // Fully free blocks returned to the arena
}

// Central is the shared free-list allocator. Every size class and kind
// has its own chunk chain; exhaustion is served first from pending-sweep
// blocks, then from a fresh arena block.
//
// The lock protects the lists and block registry and is held only for
// list manipulation, never across a collection.
type Central struct {
	mu sync.Mutex

	table     *SizeTable
	ar        *arena.Arena
	ix        *index.Index
	blockSize int

	lists  [arena.NumKinds][]freeList
	blocks [arena.NumKinds][][]*arena.Block
	large  []*arena.Block

	sweeper     ClassSweeper
	clearOnFree bool

	stats Stats
}

// NewCentral creates the shared allocator over the given arena and index.
func NewCentral(table *SizeTable, ar *arena.Arena, ix *index.Index, clearOnFree bool) *Central {
	c := &Central{
		table:       table,
		ar:          ar,
		ix:          ix,
		blockSize:   ar.BlockSize(),
		clearOnFree: clearOnFree,
	}
	for k := range c.lists {
		c.lists[k] = make([]freeList, table.NumClasses())
		c.blocks[k] = make([][]*arena.Block, table.NumClasses())
	}
	return c
}

// SetSweeper attaches the lazy sweep source. Must be called before the
// first collection schedules pending blocks.
func (c *Central) SetSweeper(s ClassSweeper) {
	c.mu.Lock()
	c.sweeper = s
	c.mu.Unlock()
}

// Table returns the size class table.
func (c *Central) Table() *SizeTable { return c.table }

// Alloc returns one chunk of at least size bytes. KindNormal and
// KindUncollectable chunks are zeroed; KindAtomic chunks are returned
// uninitialized.
func (c *Central) Alloc(size int, kind arena.Kind) (uintptr, error) {
	if size <= 0 {
		return 0, ErrBadSize
	}
	class := c.table.ClassFor(size)
	if class == ClassNone {
		return c.AllocLarge(size, kind)
	}

	c.mu.Lock()
	c.stats.AllocCalls++
	addr, err := c.popLocked(class, kind)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	chunkSize := c.table.ChunkSize(class)
	c.stats.BytesAllocated += int64(chunkSize)
	c.mu.Unlock()

	c.finishChunk(addr, chunkSize, kind)
	return addr, nil
}

// AllocBatch removes up to n chunks of the class from the free list and
// returns them as a linked chain with their alloc bits set. Used by
// mutator caches to refill in one lock acquisition. The chunks keep their
// free-list links; the cache zeroes each one at hand-out. owner is the
// drawing cache's id, recorded on the head chunk's block as a hint.
func (c *Central) AllocBatch(class int, kind arena.Kind, n int, owner int32) (head uintptr, got int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.AllocCalls++

	fl := &c.lists[kind][class]
	if fl.count == 0 {
		if err := c.refillLocked(class, kind); err != nil {
			return 0, 0, err
		}
	}

	head = fl.head
	tail := head
	got = 0
	for got < n && tail != 0 {
		got++
		if got == n {
			break
		}
		next := word.At(tail)
		if next == 0 {
			break
		}
		tail = next
	}
	if got == 0 {
		return 0, 0, ErrNoSpace
	}
	fl.head = word.At(tail)
	word.Put(tail, 0)
	fl.count -= got
	c.stats.BytesAllocated += int64(got * c.table.ChunkSize(class))

	// The chunks leave the central lists now; account them as handed out.
	for a := head; a != 0; a = word.At(a) {
		c.setAllocBit(a)
	}
	if b := c.ix.BlockAt(head); b != nil {
		b.SetOwner(owner)
	}
	return head, got, nil
}

// popLocked takes one chunk from the class list, lazily sweeping or
// growing as needed. Caller holds c.mu.
func (c *Central) popLocked(class int, kind arena.Kind) (uintptr, error) {
	fl := &c.lists[kind][class]
	if fl.count == 0 {
		if err := c.refillLocked(class, kind); err != nil {
			return 0, err
		}
	} else {
		c.stats.AllocFastPath++
	}
	addr := fl.head
	fl.head = word.At(addr)
	fl.count--
	c.setAllocBit(addr)
	return addr, nil
}

// refillLocked restocks an empty class list: pending-sweep blocks first,
// then a fresh block from the arena.
func (c *Central) refillLocked(class int, kind arena.Kind) error {
	fl := &c.lists[kind][class]

	if c.sweeper != nil {
		for fl.count == 0 {
			res, ok := c.sweeper.SweepClass(kind, class)
			if !ok {
				break
			}
			if res.Empty != nil {
				c.retireLocked(res.Empty)
				continue
			}
			if res.Count > 0 {
				c.spliceLocked(fl, res.Head, res.Count)
				c.stats.AllocSwept++
			}
		}
		if fl.count > 0 {
			return nil
		}
	}

	chunkSize := c.table.ChunkSize(class)
	b, err := c.ar.AllocBlock(c.blockSize, class, kind, chunkSize)
	if err != nil {
		return err
	}
	head, n := b.BuildFreeList(fl.head)
	fl.head = head
	fl.count += n
	c.blocks[kind][class] = append(c.blocks[kind][class], b)
	c.stats.AllocGrew++
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[ALLOC] grew class=%d kind=%d chunk=%d (+%d chunks)\n",
			class, kind, chunkSize, n)
	}
	return nil
}

// AllocLarge dedicates a whole block run to one object.
func (c *Central) AllocLarge(size int, kind arena.Kind) (uintptr, error) {
	b, err := c.ar.AllocBlock(size, arena.ClassLarge, kind, size)
	if err != nil {
		return 0, err
	}
	b.SetAllocated(0)

	c.mu.Lock()
	c.large = append(c.large, b)
	c.stats.AllocCalls++
	c.stats.LargeAllocs++
	c.stats.BytesAllocated += int64(b.Span())
	c.mu.Unlock()

	if kind != arena.KindAtomic {
		clearBytes(b.Data())
	}
	return b.Base(), nil
}

// Free returns an object's chunk to its free list immediately. addr must
// be the object's start address.
func (c *Central) Free(addr uintptr) error {
	res, hit := c.ix.Classify(addr)
	switch res {
	case index.Start:
	case index.NotHeap, index.FreeChunk:
		return ErrBadAddr
	case index.Interior:
		return fmt.Errorf("%w: %#x is interior to object %#x", ErrBadAddr, addr, hit.Object)
	}

	b := hit.Block
	if b.Class() == arena.ClassLarge {
		return c.freeLarge(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.FreeCalls++
	c.stats.BytesFreed += int64(b.ChunkSize())

	// A block awaiting lazy sweep carries bitmap state from the previous
	// mark phase. Settle it first: pushing the chunk onto a class list
	// now would let the deferred sweep rebuild that list underneath it
	// and hand the chunk out twice.
	if c.sweeper != nil && b.Pending() {
		if sr, ok := c.sweeper.SweepBlock(b); ok {
			if sr.Empty != nil {
				// No survivors: the chunk was last cycle's garbage and
				// its whole block goes back to the arena.
				c.retireLocked(sr.Empty)
				return nil
			}
			c.spliceLocked(&c.lists[b.Kind()][b.Class()], sr.Head, sr.Count)
			if !b.Allocated(hit.Chunk) {
				return nil // the sweep itself reclaimed the chunk
			}
		}
	}

	b.ClearAllocated(hit.Chunk)
	b.ClearMarked(hit.Chunk)
	if c.clearOnFree {
		clearBytes(b.ChunkBytes(hit.Chunk))
	}
	fl := &c.lists[b.Kind()][b.Class()]
	word.Put(addr, fl.head)
	fl.head = addr
	fl.count++
	return nil
}

func (c *Central) freeLarge(b *arena.Block) error {
	c.mu.Lock()
	for i, lb := range c.large {
		if lb == b {
			c.large = append(c.large[:i], c.large[i+1:]...)
			break
		}
	}
	c.stats.FreeCalls++
	c.stats.LargeFrees++
	c.stats.BytesFreed += int64(b.Span())
	c.mu.Unlock()

	c.ar.FreeBlock(b)
	return nil
}

// ReleaseChunks splices a swept chunk chain back onto a class list. Used
// by the eager sweep path while the world is stopped.
func (c *Central) ReleaseChunks(kind arena.Kind, class int, head uintptr, count int) {
	c.mu.Lock()
	c.spliceLocked(&c.lists[kind][class], head, count)
	c.mu.Unlock()
}

// RetireBlock removes a fully free block from the registry and returns
// its span to the arena.
func (c *Central) RetireBlock(b *arena.Block) {
	c.mu.Lock()
	c.retireLocked(b)
	c.mu.Unlock()
}

// spliceLocked prepends a chain to a list. The chain's tail must link to 0.
func (c *Central) spliceLocked(fl *freeList, head uintptr, count int) {
	if count == 0 || head == 0 {
		return
	}
	tail := head
	for next := word.At(tail); next != 0; next = word.At(tail) {
		tail = next
	}
	word.Put(tail, fl.head)
	fl.head = head
	fl.count += count
}

func (c *Central) retireLocked(b *arena.Block) {
	if b.Class() == arena.ClassLarge {
		for i, lb := range c.large {
			if lb == b {
				c.large = append(c.large[:i], c.large[i+1:]...)
				break
			}
		}
	} else {
		regs := c.blocks[b.Kind()][b.Class()]
		for i, rb := range regs {
			if rb == b {
				c.blocks[b.Kind()][b.Class()] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
	c.stats.BlocksRetired++
	c.ar.FreeBlock(b)
}

// PrepareSweep drops every collectable free list and hands each
// collectable block to schedule. Uncollectable blocks keep their lists
// and are never swept. World must be stopped.
func (c *Central) PrepareSweep(schedule func(*arena.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, kind := range []arena.Kind{arena.KindNormal, arena.KindAtomic} {
		for class := range c.lists[kind] {
			c.lists[kind][class] = freeList{}
			for _, b := range c.blocks[kind][class] {
				schedule(b)
			}
		}
	}

	// Large runs are swept inline: unmarked means unreachable.
	kept := c.large[:0]
	for _, b := range c.large {
		if b.Kind() == arena.KindUncollectable || b.Marked(0) {
			kept = append(kept, b)
			continue
		}
		c.stats.BlocksRetired++
		c.ar.FreeBlock(b)
	}
	c.large = kept
}

// ForEachBlock visits every registered block, including large runs.
// World must be stopped.
func (c *Central) ForEachBlock(fn func(*arena.Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for kind := range c.blocks {
		for class := range c.blocks[kind] {
			for _, b := range c.blocks[kind][class] {
				fn(b)
			}
		}
	}
	for _, b := range c.large {
		fn(b)
	}
}

// FreeCount returns the number of chunks on the class free list.
func (c *Central) FreeCount(kind arena.Kind, class int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[kind][class].count
}

// Snapshot returns a copy of the allocator counters.
func (c *Central) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// finishChunk completes a hand-out: the fresh chunk keeps its alloc bit
// (set under the lock) and is zeroed unless atomic.
func (c *Central) finishChunk(addr uintptr, chunkSize int, kind arena.Kind) {
	if kind == arena.KindAtomic {
		// Pointer-free data need not be cleared, but the stale free-list
		// link must not survive into the object.
		word.Put(addr, 0)
		return
	}
	b := c.ix.BlockAt(addr)
	off := int(addr - b.Base())
	clearBytes(b.Data()[off : off+chunkSize])
}

func (c *Central) setAllocBit(addr uintptr) {
	if b := c.ix.BlockAt(addr); b != nil {
		if i, ok := b.ChunkIndex(addr); ok {
			b.SetAllocated(i)
		}
	}
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
