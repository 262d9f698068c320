package gcheap

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/gcheap/gc/alloc"
	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/gc/blacklist"
	"github.com/joshuapare/gcheap/gc/finalize"
	"github.com/joshuapare/gcheap/gc/index"
	"github.com/joshuapare/gcheap/gc/mark"
	"github.com/joshuapare/gcheap/gc/roots"
	"github.com/joshuapare/gcheap/gc/stw"
	"github.com/joshuapare/gcheap/gc/sweep"
	"github.com/joshuapare/gcheap/internal/word"
)

// Addr is a managed-heap object address.
type Addr = uintptr

// Kind selects the allocation kind.
type Kind = arena.Kind

// Allocation kinds.
const (
	KindNormal        = arena.KindNormal
	KindAtomic        = arena.KindAtomic
	KindUncollectable = arena.KindUncollectable
)

// Mutator is a registered allocating goroutine. See RegisterMutator.
type Mutator = stw.Mutator

// Pages of the metadata index and the blacklist share this granularity.
const heapPageShift = 12

// GCHEAP_CHECK runs a full consistency check at the end of every
// collection and panics with a *CorruptHeapError on failure.
var checkHeap = os.Getenv("GCHEAP_CHECK") != ""

// Heap is a conservative mark/sweep collected heap. All methods are safe
// for concurrent use; see the package documentation for the mutator
// protocol.
type Heap struct {
	cfg Config

	bl      *blacklist.Table
	ix      *index.Index
	ar      *arena.Arena
	central *alloc.Central
	rec     *sweep.Reclaimer
	coord   *stw.Coordinator
	rootSet *roots.Set
	engine  *mark.Engine
	fin     *finalize.Registry
	diags   chan stw.Diagnostic

	// collectMu serializes collections; gcGen lets a waiter detect that
	// the cycle it queued behind already did its work.
	collectMu sync.Mutex
	gcGen     atomic.Uint64
	lastMark  mark.Stats // guarded by collectMu

	allocedSince atomic.Int64
	liveBytes    atomic.Int64
	gcDue        atomic.Bool
	closed       atomic.Bool

	cacheMu sync.Mutex
	caches  map[*Mutator]*alloc.Cache

	collections atomic.Int64
	pauseNanos  atomic.Int64
}

// New creates a heap. A nil cfg selects ConfigDefault; zero fields of a
// non-nil cfg are filled from it.
func New(cfg *Config) (*Heap, error) {
	c := ConfigDefault
	if cfg != nil {
		c = *cfg
	}
	c.normalize()

	bl := blacklist.New(c.BlacklistSlots, heapPageShift, c.BlacklistDecay)
	ix := index.New(heapPageShift)
	ar, err := arena.New(c.BlockSize, c.SegmentSize, c.SegmentCache, ix, bl)
	if err != nil {
		return nil, err
	}
	table := alloc.NewSizeTable(c.SizeClasses)
	central := alloc.NewCentral(table, ar, ix, c.ClearReclaimed)
	rec := sweep.New(table.NumClasses(), c.ClearReclaimed)
	central.SetSweeper(rec)

	diags := make(chan stw.Diagnostic, 16)
	h := &Heap{
		cfg:     c,
		bl:      bl,
		ix:      ix,
		ar:      ar,
		central: central,
		rec:     rec,
		coord:   stw.New(c.StopWait, c.StopRetries, diags),
		rootSet: roots.NewSet(),
		engine:  mark.New(ix, bl),
		fin:     finalize.NewRegistry(),
		diags:   diags,
		caches:  make(map[*Mutator]*alloc.Cache),
	}
	return h, nil
}

var (
	defaultOnce sync.Once
	defaultHeap *Heap
)

// Default returns the process-wide heap, creating it with ConfigDefault
// on first use.
func Default() *Heap {
	defaultOnce.Do(func() {
		h, err := New(nil)
		if err != nil {
			panic("gcheap: default heap: " + err.Error())
		}
		defaultHeap = h
	})
	return defaultHeap
}

// Allocate returns the address of a new object of at least size bytes.
// KindNormal and KindUncollectable objects are zeroed; KindAtomic objects
// are uninitialized and never scanned for pointers.
//
// This is the unregistered path: the call participates in stop
// coordination by itself and may block while a collection runs.
// Registered mutators use AllocateFor.
func (h *Heap) Allocate(size int, kind Kind) (Addr, error) {
	if h.closed.Load() {
		return 0, ErrHeapClosed
	}
	if h.gcDue.Load() {
		h.Collect()
	}
	addr, err := h.allocOnce(size, kind)
	if err != nil {
		if errors.Is(err, alloc.ErrBadSize) {
			return 0, err
		}
		// Emergency collection before reporting exhaustion.
		h.Collect()
		if addr, err = h.allocOnce(size, kind); err != nil {
			return 0, fmt.Errorf("%w: %d bytes: %v", ErrOutOfMemory, size, err)
		}
	}
	h.accountAlloc(size)
	return addr, nil
}

func (h *Heap) allocOnce(size int, kind Kind) (Addr, error) {
	h.coord.RLockWorld()
	defer h.coord.RUnlockWorld()
	return h.central.Alloc(size, kind)
}

// AllocateFor is Allocate through m's cache. It doubles as a safepoint.
func (h *Heap) AllocateFor(m *Mutator, size int, kind Kind) (Addr, error) {
	if h.closed.Load() {
		return 0, ErrHeapClosed
	}
	m.Safepoint()
	if h.gcDue.Load() {
		h.CollectAs(m)
	}
	ca := h.cacheFor(m)
	addr, err := ca.Alloc(size, kind)
	if err != nil && !errors.Is(err, alloc.ErrBadSize) {
		h.CollectAs(m)
		addr, err = ca.Alloc(size, kind)
	}
	if err != nil {
		if errors.Is(err, alloc.ErrBadSize) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %d bytes: %v", ErrOutOfMemory, size, err)
	}
	h.accountAlloc(size)
	return addr, nil
}

// accountAlloc advances the collection trigger by the chunk size backing
// a request of size bytes.
func (h *Heap) accountAlloc(size int) {
	cs := size
	if class := h.central.Table().ClassFor(size); class != alloc.ClassNone {
		cs = h.central.Table().ChunkSize(class)
	}
	since := h.allocedSince.Add(int64(cs))

	target := int64(float64(h.liveBytes.Load()) * h.cfg.TriggerRatio)
	if floor := int64(h.cfg.MinTriggerBytes); target < floor {
		target = floor
	}
	if since >= target {
		h.gcDue.Store(true)
	}
}

// Free releases the object at addr immediately, without waiting for a
// collection. addr must be an object start; interior pointers are
// rejected with ErrBadAddress. Any finalizer and declared pointer span
// are dropped.
func (h *Heap) Free(addr Addr) error {
	if h.closed.Load() {
		return ErrHeapClosed
	}
	h.coord.RLockWorld()
	defer h.coord.RUnlockWorld()

	res, hit := h.ix.Classify(addr)
	if res != index.Start {
		return fmt.Errorf("gcheap: free %#x: %w", addr, ErrBadAddress)
	}
	size := hit.Block.ChunkSize()

	if err := h.central.Free(addr); err != nil {
		if errors.Is(err, alloc.ErrBadAddr) {
			return fmt.Errorf("gcheap: free %#x: %w", addr, ErrBadAddress)
		}
		return err
	}
	h.fin.Remove(addr)
	h.engine.DropSpan(addr)
	h.liveBytes.Add(-int64(size))
	return nil
}

// SizeOf returns the usable size of the object at addr, which may exceed
// the requested size due to size class rounding.
func (h *Heap) SizeOf(addr Addr) (int, error) {
	res, hit := h.ix.Classify(addr)
	if res != index.Start {
		return 0, ErrBadAddress
	}
	return hit.Block.ChunkSize(), nil
}

// KindOf returns the allocation kind of the object at addr.
func (h *Heap) KindOf(addr Addr) (Kind, error) {
	res, hit := h.ix.Classify(addr)
	if res != index.Start {
		return 0, ErrBadAddress
	}
	return hit.Block.Kind(), nil
}

// Bytes returns the object's payload as a byte slice aliasing heap
// memory. The slice is valid until the object is reclaimed.
func (h *Heap) Bytes(addr Addr) ([]byte, error) {
	res, hit := h.ix.Classify(addr)
	if res != index.Start {
		return nil, ErrBadAddress
	}
	return hit.Block.ChunkBytes(hit.Chunk), nil
}

// PutWord stores v at byte offset off inside the object at addr. Stored
// heap addresses are visible to the conservative scan, which is how
// object graphs are built.
func PutWord(addr Addr, off int, v Addr) {
	word.Put(addr+uintptr(off), v)
}

// WordAt loads the word at byte offset off inside the object at addr.
func WordAt(addr Addr, off int) Addr {
	return word.At(addr + uintptr(off))
}

// AddRoots registers [start, end) as a root range, conservatively
// scanned on every collection.
func (h *Heap) AddRoots(start, end uintptr) {
	h.rootSet.Add(start, end)
}

// RemoveRoots drops a previously added root range, reporting whether it
// was present.
func (h *Heap) RemoveRoots(start, end uintptr) bool {
	return h.rootSet.Remove(start, end)
}

// DeclarePointerSpan limits conservative scanning of the object at addr
// to its first n bytes. The caller warrants no genuine pointers live
// beyond the span.
func (h *Heap) DeclarePointerSpan(addr Addr, n int) error {
	res, hit := h.ix.Classify(addr)
	if res != index.Start {
		return ErrBadAddress
	}
	if n < 0 {
		n = 0
	}
	if n >= hit.Block.ChunkSize() {
		h.engine.DropSpan(addr) // full-object scan, no entry needed
		return nil
	}
	h.engine.DeclareSpan(addr, n)
	return nil
}

// SetFinalizer arranges for fn to run after the object at addr becomes
// unreachable, replacing any previous finalizer. A nonzero dep names an
// object whose finalizer must run first. A nil fn clears the
// registration.
func (h *Heap) SetFinalizer(addr Addr, fn func(Addr), dep Addr) error {
	if res, _ := h.ix.Classify(addr); res != index.Start {
		return ErrBadAddress
	}
	if dep != 0 {
		if res, _ := h.ix.Classify(dep); res != index.Start {
			return fmt.Errorf("finalizer dependency %#x: %w", dep, ErrBadAddress)
		}
	}
	h.fin.Set(addr, fn, dep)
	return nil
}

// RunFinalizers drains the queue of pending finalizer actions, returning
// the number run. Required in ManualFinalization mode; harmless
// otherwise.
func (h *Heap) RunFinalizers() int {
	return h.fin.RunPending(0)
}

// PendingFinalizers returns the number of queued, not-yet-run actions.
func (h *Heap) PendingFinalizers() int {
	return h.fin.PendingCount()
}

// RegisterMutator enrolls the calling goroutine in stop coordination and
// gives it an allocation cache. The goroutine must call m.Safepoint
// periodically (AllocateFor counts) or bracket long non-heap work with
// EnterBlocked/ExitBlocked, and must call DeregisterMutator before
// exiting.
func (h *Heap) RegisterMutator(name string) *Mutator {
	m := h.coord.Register(name)
	h.cacheMu.Lock()
	h.caches[m] = alloc.NewCache(h.central, h.cfg.CacheFill)
	h.cacheMu.Unlock()
	return m
}

// DeregisterMutator returns m's cached chunks and removes it from stop
// coordination. Must be called by m's own goroutine.
func (h *Heap) DeregisterMutator(m *Mutator) {
	h.cacheMu.Lock()
	ca := h.caches[m]
	delete(h.caches, m)
	h.cacheMu.Unlock()
	if ca != nil {
		h.coord.RLockWorld()
		ca.Flush()
		h.coord.RUnlockWorld()
	}
	m.Deregister()
}

func (h *Heap) cacheFor(m *Mutator) *alloc.Cache {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	ca := h.caches[m]
	if ca == nil {
		ca = alloc.NewCache(h.central, h.cfg.CacheFill)
		h.caches[m] = ca
	}
	return ca
}

// Collect forces a full stop-the-world collection. Callers registered as
// mutators must use CollectAs instead, or the stop would wait on the
// caller itself.
func (h *Heap) Collect() {
	if h.closed.Load() {
		return
	}
	h.collect()
}

// CollectAs is Collect invoked from a registered mutator's goroutine.
func (h *Heap) CollectAs(m *Mutator) {
	if h.closed.Load() {
		return
	}
	m.EnterBlocked()
	h.collect()
	m.ExitBlocked()
}

func (h *Heap) collect() {
	gen := h.gcGen.Load()
	h.collectMu.Lock()
	defer h.collectMu.Unlock()
	if h.gcGen.Load() != gen {
		return // the collection we queued behind already ran
	}

	start := time.Now()
	stopped := h.coord.StopWorld()
	excluded := h.coord.Excluded(stopped)

	// Finish sweep work the previous cycle deferred, so every block's
	// alloc bitmap is current before marking.
	h.rec.FinishAll(h.absorbSweep)

	// Stopped mutators' cache loans go back to the central lists; an
	// excluded mutator may be mid-Alloc in its cache, so its loans stay
	// out and get pinned after marking instead.
	excludedSet := make(map[*Mutator]bool, len(excluded))
	for _, m := range excluded {
		excludedSet[m] = true
	}
	h.cacheMu.Lock()
	for m, ca := range h.caches {
		if !excludedSet[m] {
			ca.Flush()
		}
	}
	h.cacheMu.Unlock()

	h.central.ForEachBlock(func(b *arena.Block) { b.ClearMarks() })
	h.bl.Decay()
	h.coord.MarkingStarted()

	low, high := h.ar.Bounds()
	snap := h.rootSet.Snapshot(stopped, excluded)
	h.lastMark = h.engine.Run(snap, low, high, h.uncollectableSeeds())

	h.cacheMu.Lock()
	for m, ca := range h.caches {
		if excludedSet[m] {
			ca.WalkPinned(h.engine.MarkRaw)
		}
	}
	h.cacheMu.Unlock()

	h.fin.Quarantine(h.engine)
	h.engine.PruneSpans()

	live := h.liveAfterMark()
	h.central.PrepareSweep(h.rec.Schedule)
	if !h.cfg.IncrementalSweep {
		h.rec.FinishAll(h.absorbSweep)
	}

	h.liveBytes.Store(live)
	h.allocedSince.Store(0)
	h.gcDue.Store(false)
	h.gcGen.Add(1)
	h.collections.Add(1)

	if checkHeap && !h.cfg.IncrementalSweep {
		if err := h.checkBlocks(); err != nil {
			panic(err)
		}
	}

	h.coord.StartWorld()
	h.pauseNanos.Add(time.Since(start).Nanoseconds())

	if !h.cfg.ManualFinalization && h.fin.PendingCount() > 0 {
		go h.fin.RunPending(0)
	}
}

// absorbSweep routes one sweep result back into the allocator.
func (h *Heap) absorbSweep(res alloc.SweepResult) {
	if res.Empty != nil {
		h.central.RetireBlock(res.Empty)
		return
	}
	if res.Count > 0 {
		h.central.ReleaseChunks(res.Block.Kind(), res.Block.Class(), res.Head, res.Count)
	}
}

// uncollectableSeeds lists every live uncollectable object; they are
// marked a priori and scanned as roots.
func (h *Heap) uncollectableSeeds() []uintptr {
	var seeds []uintptr
	h.central.ForEachBlock(func(b *arena.Block) {
		if b.Kind() != arena.KindUncollectable {
			return
		}
		for i := 0; i < b.ChunkCount(); i++ {
			if b.Allocated(i) {
				seeds = append(seeds, b.ChunkAddr(i))
			}
		}
	})
	return seeds
}

// liveAfterMark totals the bytes the coming sweep will retain. Must run
// after marking and before PrepareSweep retires empty large runs.
func (h *Heap) liveAfterMark() int64 {
	var live int64
	h.central.ForEachBlock(func(b *arena.Block) {
		if b.Kind() == arena.KindUncollectable {
			live += int64(b.AllocatedCount() * b.ChunkSize())
			return
		}
		live += int64(b.MarkedCount() * b.ChunkSize())
	})
	return live
}

// CheckConsistency verifies heap metadata invariants and returns a
// *CorruptHeapError on the first violation.
func (h *Heap) CheckConsistency() error {
	h.coord.RLockWorld()
	defer h.coord.RUnlockWorld()
	return h.checkBlocks()
}

func (h *Heap) checkBlocks() error {
	var bad error
	h.ix.ForEachBlock(func(b *arena.Block) {
		if bad != nil {
			return
		}
		switch {
		case b.ChunkSize() <= 0:
			bad = &CorruptHeapError{Addr: b.Base(), Detail: "non-positive chunk size"}
		case b.ChunkCount()*b.ChunkSize() > b.Span():
			bad = &CorruptHeapError{Addr: b.Base(), Detail: "chunks overrun block span"}
		case b.Base()%uintptr(word.Size) != 0:
			bad = &CorruptHeapError{Addr: b.Base(), Detail: "misaligned block base"}
		default:
			if res, hit := h.ix.Classify(b.ChunkAddr(0)); res == index.NotHeap || (hit.Block != nil && hit.Block != b) {
				bad = &CorruptHeapError{Addr: b.Base(), Detail: "index does not resolve block to itself"}
			}
		}
	})
	return bad
}

// Diagnostics returns the channel carrying stop-coordination warnings,
// such as mutators excluded after the safepoint timeout. The channel is
// buffered and never blocks the collector; drain it or ignore it.
func (h *Heap) Diagnostics() <-chan stw.Diagnostic {
	return h.diags
}

// Close unmaps the heap. Every address becomes invalid; all registered
// mutators must have deregistered first.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHeapClosed
	}
	h.collectMu.Lock()
	defer h.collectMu.Unlock()
	return h.ar.Close()
}
