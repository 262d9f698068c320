// Package sweep reclaims unmarked chunks after a mark phase.
//
// Blocks are not swept eagerly inside the pause. The collector schedules
// every collectable block here; the central allocator then sweeps a class
// lazily, block by block, as allocation demand arrives, overlapping sweep
// cost with mutator execution. A collection finishes all outstanding
// sweep work before clearing marks, so the two generations never mix.
package sweep

import (
	"sync"

	"github.com/joshuapare/gcheap/gc/alloc"
	"github.com/joshuapare/gcheap/gc/arena"
)

// Stats holds reclaimer counters.
type Stats struct {
	BlocksSwept    int
	BlocksEmpty    int   // came up fully free
	ChunksRebuilt  int   // chunks returned to free lists
	BytesReclaimed int64 // garbage chunk bytes recovered
}

// Reclaimer queues blocks pending sweep and rebuilds their free lists
// from the mark bitmaps.
type Reclaimer struct {
	mu      sync.Mutex
	pending [arena.NumKinds][][]*arena.Block
	clear   bool // zero reclaimed chunks
	stats   Stats
}

// New creates a reclaimer for the given number of size classes.
// clearReclaimed selects zeroing of reclaimed chunk memory.
func New(numClasses int, clearReclaimed bool) *Reclaimer {
	r := &Reclaimer{clear: clearReclaimed}
	for k := range r.pending {
		r.pending[k] = make([][]*arena.Block, numClasses)
	}
	return r
}

// Schedule queues a block for sweeping. Large runs are handled inline by
// the allocator and must not be scheduled. Safe to call with a block that
// is already pending.
func (r *Reclaimer) Schedule(b *arena.Block) {
	if !b.SetPending() {
		return
	}
	r.mu.Lock()
	r.pending[b.Kind()][b.Class()] = append(r.pending[b.Kind()][b.Class()], b)
	r.mu.Unlock()
}

// SweepClass sweeps one pending block of the class. ok is false when no
// block is pending. Implements alloc.ClassSweeper.
func (r *Reclaimer) SweepClass(kind arena.Kind, class int) (alloc.SweepResult, bool) {
	r.mu.Lock()
	q := r.pending[kind][class]
	if len(q) == 0 {
		r.mu.Unlock()
		return alloc.SweepResult{}, false
	}
	b := q[len(q)-1]
	r.pending[kind][class] = q[:len(q)-1]
	r.mu.Unlock()

	return r.sweepBlock(b), true
}

// SweepBlock sweeps b immediately if it is still queued. Explicit free
// calls this before returning a chunk from a pending block, so the chunk
// joins a free list of the current generation rather than one the
// deferred sweep would rebuild. Implements alloc.ClassSweeper.
func (r *Reclaimer) SweepBlock(b *arena.Block) (alloc.SweepResult, bool) {
	r.mu.Lock()
	q := r.pending[b.Kind()][b.Class()]
	found := -1
	for i, pb := range q {
		if pb == b {
			found = i
			break
		}
	}
	if found < 0 {
		r.mu.Unlock()
		return alloc.SweepResult{}, false
	}
	r.pending[b.Kind()][b.Class()] = append(q[:found], q[found+1:]...)
	r.mu.Unlock()

	return r.sweepBlock(b), true
}

// FinishAll sweeps every pending block and reports each result to visit.
// Called with the world stopped before marks are cleared; visit routes
// rebuilt chunks back to the central lists and retires empty blocks.
func (r *Reclaimer) FinishAll(visit func(alloc.SweepResult)) {
	for {
		r.mu.Lock()
		var b *arena.Block
		for kind := range r.pending {
			for class := range r.pending[kind] {
				q := r.pending[kind][class]
				if len(q) > 0 {
					b = q[len(q)-1]
					r.pending[kind][class] = q[:len(q)-1]
					break
				}
			}
			if b != nil {
				break
			}
		}
		r.mu.Unlock()
		if b == nil {
			return
		}
		visit(r.sweepBlock(b))
	}
}

// PendingCount returns the number of blocks awaiting sweep.
func (r *Reclaimer) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for kind := range r.pending {
		for class := range r.pending[kind] {
			n += len(r.pending[kind][class])
		}
	}
	return n
}

// sweepBlock reconciles one block against its mark bitmap: surviving
// chunks stay allocated, everything else is threaded onto a fresh free
// chain. A block with no survivors is reported for retirement instead.
func (r *Reclaimer) sweepBlock(b *arena.Block) alloc.SweepResult {
	b.ClearPending()
	reclaimable := b.AllocatedCount() - b.MarkedCount()
	b.SetAllocFromMarks()

	r.mu.Lock()
	r.stats.BlocksSwept++
	if reclaimable > 0 {
		r.stats.BytesReclaimed += int64(reclaimable * b.ChunkSize())
	}
	r.mu.Unlock()

	if b.MarkedCount() == 0 {
		r.mu.Lock()
		r.stats.BlocksEmpty++
		r.mu.Unlock()
		return alloc.SweepResult{Block: b, Empty: b}
	}

	if r.clear {
		for i := 0; i < b.ChunkCount(); i++ {
			if !b.Allocated(i) {
				zero(b.ChunkBytes(i))
			}
		}
	}

	head, n := b.BuildFreeList(0)
	r.mu.Lock()
	r.stats.ChunksRebuilt += n
	r.mu.Unlock()
	return alloc.SweepResult{Block: b, Head: head, Count: n}
}

// Snapshot returns a copy of the reclaimer counters.
func (r *Reclaimer) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
