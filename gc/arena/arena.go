// Package arena acquires page-aligned segments from the OS and carves them
// into heap blocks, each dedicated to one size class and allocation kind.
//
// Free space inside segments is tracked as block runs on a min-heap keyed
// by span, giving best-fit selection for multi-block (large object) runs.
// Adjacent free runs coalesce in O(1) through start/end offset indexes.
// Fully free segments are returned to the OS, subject to hysteresis, so a
// transient allocation spike does not bounce mappings.
package arena

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/gcheap/gc/blacklist"
	"github.com/joshuapare/gcheap/internal/align"
	"github.com/joshuapare/gcheap/internal/mempage"
	"github.com/joshuapare/gcheap/internal/word"
)

// badRunRetry bounds how many candidate runs are examined when steering
// pointer-bearing blocks away from blacklisted pages.
const badRunRetry = 8

// Indexer publishes block descriptors to the address-classification index.
// The arena calls it under its own lock; implementations must not call
// back into the arena.
type Indexer interface {
	AddBlock(*Block)
	RemoveBlock(*Block)
}

// Stats holds arena counters.
type Stats struct {
	SegmentsMapped   int
	SegmentsUnmapped int
	BlocksAllocated  int
	BlocksFreed      int
	BytesMapped      int64
	BytesUnmapped    int64
	Coalesces        int
	Splits           int
	BadRunSkips      int // runs passed over because their pages were blacklisted
}

type segment struct {
	base      uintptr
	data      []byte
	span      int
	freeBytes int
	unmap     func() error
}

// run is a contiguous span of free blocks within one segment.
type run struct {
	base      uintptr
	span      int
	seg       *segment
	heapIndex int
}

// runHeap is a min-heap of free runs keyed on span, smallest first, so
// popping gives best-fit for a requested span.
type runHeap []*run

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].span != h[j].span {
		return h[i].span < h[j].span
	}
	return h[i].base < h[j].base
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *runHeap) Push(x any) {
	r := x.(*run) //nolint:errcheck // heap.Interface contract guarantees type
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	r.heapIndex = -1
	*h = old[0 : n-1]
	return r
}

// Arena owns every segment of the managed heap.
type Arena struct {
	mu sync.Mutex

	blockSize   int
	segmentSize int
	pageSize    int

	idx Indexer
	bl  *blacklist.Table

	segments map[uintptr]*segment
	free     runHeap
	byStart  map[uintptr]*run // run base -> run, for backward coalesce
	byEnd    map[uintptr]*run // run end -> run, for forward coalesce
	runPool  sync.Pool
	freeSegs int
	segCache int

	lowest  atomic.Uintptr
	highest atomic.Uintptr

	stats Stats
}

// New creates an arena.
//
// blockSize and segmentSize must be page-size multiples with
// blockSize <= segmentSize. segCache is the number of fully free segments
// retained before mappings are returned to the OS.
func New(blockSize, segmentSize, segCache int, idx Indexer, bl *blacklist.Table) (*Arena, error) {
	pageSize := mempage.PageSize()
	if blockSize <= 0 || blockSize%pageSize != 0 {
		return nil, fmt.Errorf("arena: block size %d not a multiple of page size %d", blockSize, pageSize)
	}
	if segmentSize < blockSize || segmentSize%blockSize != 0 {
		return nil, fmt.Errorf("arena: segment size %d not a multiple of block size %d", segmentSize, blockSize)
	}
	a := &Arena{
		blockSize:   blockSize,
		segmentSize: segmentSize,
		pageSize:    pageSize,
		idx:         idx,
		bl:          bl,
		segments:    make(map[uintptr]*segment),
		byStart:     make(map[uintptr]*run),
		byEnd:       make(map[uintptr]*run),
		segCache:    segCache,
		runPool: sync.Pool{
			New: func() any { return &run{} },
		},
	}
	a.lowest.Store(^uintptr(0))
	return a, nil
}

// BlockSize returns the block granularity in bytes.
func (a *Arena) BlockSize() int { return a.blockSize }

// Bounds returns the lowest and highest managed addresses. Words outside
// the bounds can never be heap pointers, which lets the marker reject most
// candidates without an index lookup.
func (a *Arena) Bounds() (low, high uintptr) {
	return a.lowest.Load(), a.highest.Load()
}

// AllocBlock dedicates a fresh run of span bytes (rounded up to whole
// blocks) to the given class and kind. chunkSize must divide into the span
// at least once; large runs pass chunkSize == span.
func (a *Arena) AllocBlock(span, class int, kind Kind, chunkSize int) (*Block, error) {
	span = align.Up(span, a.blockSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.takeRun(span, kind)
	if err != nil {
		return nil, err
	}
	seg := r.seg
	base := r.base

	// Split the remainder back onto the free heap.
	if r.span > span {
		a.insertRun(base+uintptr(span), r.span-span, seg)
		a.stats.Splits++
	}
	a.releaseRun(r)

	if seg.freeBytes == seg.span {
		a.freeSegs--
	}
	seg.freeBytes -= span

	data := seg.data[base-seg.base : base-seg.base+uintptr(span)]
	b := newBlock(base, data, seg, class, kind, chunkSize)
	if kind == KindAtomic && a.bl != nil {
		// Remember these pages as pointer-free so future placement keeps
		// steering atomic data onto them rather than onto fresh pages.
		a.bl.AddPointerFreeRange(base, span)
	}
	a.idx.AddBlock(b)
	a.stats.BlocksAllocated++
	return b, nil
}

// FreeBlock returns a block's span to the free heap. The caller must
// guarantee no live object remains in it.
func (a *Arena) FreeBlock(b *Block) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.idx.RemoveBlock(b)
	seg := b.seg
	a.insertRun(b.base, len(b.data), seg)
	seg.freeBytes += len(b.data)
	a.stats.BlocksFreed++

	if seg.freeBytes == seg.span {
		a.freeSegs++
		if a.freeSegs > a.segCache {
			a.unmapSegment(seg)
		}
	}
}

// takeRun pops a best-fit free run of at least span bytes, growing the
// heap when none fits. Pointer-bearing kinds avoid runs whose pages the
// blacklist has flagged; atomic kinds prefer them, soaking up poisoned
// address space with objects that can never be falsely retained.
func (a *Arena) takeRun(span int, kind Kind) (*run, error) {
	r := a.popFit(span, kind)
	if r != nil {
		return r, nil
	}
	if err := a.grow(span); err != nil {
		return nil, err
	}
	r = a.popFit(span, kind)
	if r == nil {
		return nil, ErrNoRun
	}
	return r, nil
}

func (a *Arena) popFit(span int, kind Kind) *run {
	var skipped []*run
	var chosen *run

	for try := 0; try < badRunRetry; try++ {
		r := a.popSmallest(span)
		if r == nil {
			break
		}
		bad := a.bl != nil &&
			(a.bl.RangeBad(r.base, span) || a.bl.RangePointerFree(r.base, span))
		if (kind == KindAtomic) == bad {
			chosen = r
			break
		}
		skipped = append(skipped, r)
		a.stats.BadRunSkips++
	}

	// Nothing matched the preference; reuse the best-fit run rather than
	// growing the heap.
	if chosen == nil && len(skipped) > 0 {
		chosen = skipped[0]
		skipped = skipped[1:]
	}
	for _, r := range skipped {
		a.insertRun(r.base, r.span, r.seg)
		a.releaseRun(r)
	}
	return chosen
}

// popSmallest removes and returns the smallest run with span >= need,
// nil when none exists. Undersized runs popped along the way go straight
// back on the heap.
func (a *Arena) popSmallest(need int) *run {
	var small []*run
	var found *run
	for a.free.Len() > 0 {
		r := heap.Pop(&a.free).(*run) //nolint:errcheck // heap holds *run only
		if r.span >= need {
			found = r
			break
		}
		small = append(small, r)
	}
	for _, r := range small {
		heap.Push(&a.free, r)
	}
	if found != nil {
		delete(a.byStart, found.base)
		delete(a.byEnd, found.base+uintptr(found.span))
	}
	return found
}

// removeRunIndexed detaches a run that is still indexed in the free maps.
func (a *Arena) removeRunIndexed(r *run) {
	if r.heapIndex >= 0 {
		heap.Remove(&a.free, r.heapIndex)
	}
	delete(a.byStart, r.base)
	delete(a.byEnd, r.base+uintptr(r.span))
}

// insertRun adds a free run, coalescing with adjacent runs of the same
// segment in O(1) via the start/end indexes.
func (a *Arena) insertRun(base uintptr, span int, seg *segment) {
	// Backward coalesce: a free run ending exactly at base.
	if prev, ok := a.byEnd[base]; ok && prev.seg == seg {
		a.removeRunIndexed(prev)
		base = prev.base
		span += prev.span
		a.releaseRun(prev)
		a.stats.Coalesces++
	}
	// Forward coalesce: a free run starting exactly at our end.
	if next, ok := a.byStart[base+uintptr(span)]; ok && next.seg == seg {
		a.removeRunIndexed(next)
		span += next.span
		a.releaseRun(next)
		a.stats.Coalesces++
	}

	r := a.runPool.Get().(*run) //nolint:errcheck // pool holds *run only
	r.base = base
	r.span = span
	r.seg = seg
	heap.Push(&a.free, r)
	a.byStart[base] = r
	a.byEnd[base+uintptr(span)] = r
}

func (a *Arena) releaseRun(r *run) {
	r.seg = nil
	a.runPool.Put(r)
}

// grow maps a new segment large enough for span bytes.
func (a *Arena) grow(span int) error {
	segSpan := a.segmentSize
	if span > segSpan {
		segSpan = align.Up(span, a.segmentSize)
	}
	data, unmap, err := mempage.Map(segSpan)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfPages, err)
	}
	base := word.Base(data)
	seg := &segment{
		base:      base,
		data:      data,
		span:      segSpan,
		freeBytes: segSpan,
		unmap:     unmap,
	}
	a.segments[base] = seg
	a.insertRun(base, segSpan, seg)
	a.freeSegs++
	a.stats.SegmentsMapped++
	a.stats.BytesMapped += int64(segSpan)

	if base < a.lowest.Load() {
		a.lowest.Store(base)
	}
	if end := base + uintptr(segSpan); end > a.highest.Load() {
		a.highest.Store(end)
	}
	if logSegments {
		debugLogf("mapped segment base=%#x span=%d total=%d", base, segSpan, len(a.segments))
	}
	return nil
}

// unmapSegment releases a fully free segment back to the OS.
func (a *Arena) unmapSegment(seg *segment) {
	// A fully free segment has coalesced to a single run covering it.
	if r, ok := a.byStart[seg.base]; ok && r.span == seg.span {
		a.removeRunIndexed(r)
		a.releaseRun(r)
	}
	delete(a.segments, seg.base)
	a.freeSegs--
	a.stats.SegmentsUnmapped++
	a.stats.BytesUnmapped += int64(seg.span)
	if err := seg.unmap(); err != nil && debugArena {
		debugLogf("unmap segment %#x: %v", seg.base, err)
	}
	if logSegments {
		debugLogf("unmapped segment base=%#x span=%d total=%d", seg.base, seg.span, len(a.segments))
	}
}

// Close unmaps every segment. The heap must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, seg := range a.segments {
		if err := seg.unmap(); err != nil && first == nil {
			first = err
		}
	}
	a.segments = make(map[uintptr]*segment)
	a.free = nil
	a.byStart = make(map[uintptr]*run)
	a.byEnd = make(map[uintptr]*run)
	a.freeSegs = 0
	return first
}

// SegmentCount returns the number of mapped segments.
func (a *Arena) SegmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// FreeRunBytes returns the total bytes currently on the free run heap.
// Intended for tests and stats.
func (a *Arena) FreeRunBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.free {
		n += r.span
	}
	return n
}

// Snapshot returns a copy of the arena counters.
func (a *Arena) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
