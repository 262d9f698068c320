package alloc

import (
	"sync/atomic"

	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/internal/word"
)

// defaultCacheFill is the refill batch size when none is configured.
const defaultCacheFill = 32

// cacheKinds lists the kinds a cache serves; uncollectable and large
// allocations always go through the central allocator.
var cacheKinds = [...]arena.Kind{arena.KindNormal, arena.KindAtomic}

// cacheList is one per-class chain loaned from the central allocator.
//
// The head is atomic so the collector can walk the chain of a cache whose
// owner could not be stopped: link words are written before a chunk is
// published on a chain and never change while it sits there, so a
// concurrent walk sees a consistent suffix.
type cacheList struct {
	head  atomic.Uintptr
	count int
}

// CacheStats holds per-cache counters.
type CacheStats struct {
	Allocs  int64 // allocations served by the cache
	Refills int64 // central refill trips
	Flushes int64 // full flushes back to the central lists
	Misses  int64 // requests the cache had to pass to the central allocator
}

// Cache is a per-mutator allocation fast path.
//
// NOT thread-safe: only the owning mutator may call Alloc. Flush is
// called by the collector while the owner is stopped.
type Cache struct {
	id    int32
	c     *Central
	fill  int
	lists [len(cacheKinds)][]cacheList
	stats CacheStats
}

var nextCacheID atomic.Int32

// NewCache creates a cache drawing from c with the given refill batch
// size (0 selects the default).
func NewCache(c *Central, fill int) *Cache {
	if fill <= 0 {
		fill = defaultCacheFill
	}
	ca := &Cache{
		id:   nextCacheID.Add(1),
		c:    c,
		fill: fill,
	}
	for k := range cacheKinds {
		ca.lists[k] = make([]cacheList, c.table.NumClasses())
	}
	return ca
}

// ID returns the cache's owner hint id.
func (ca *Cache) ID() int32 { return ca.id }

// Alloc returns one chunk of at least size bytes, refilling from the
// central allocator when the local chain is empty.
func (ca *Cache) Alloc(size int, kind arena.Kind) (uintptr, error) {
	ki := cacheKindIndex(kind)
	if ki < 0 {
		ca.stats.Misses++
		return ca.c.Alloc(size, kind)
	}
	class := ca.c.table.ClassFor(size)
	if class == ClassNone {
		ca.stats.Misses++
		return ca.c.AllocLarge(size, kind)
	}

	cl := &ca.lists[ki][class]
	if cl.count == 0 {
		head, got, err := ca.c.AllocBatch(class, kind, ca.fill, ca.id)
		if err != nil {
			return 0, err
		}
		cl.head.Store(head)
		cl.count = got
		ca.stats.Refills++
	}

	addr := cl.head.Load()
	cl.head.Store(word.At(addr))
	cl.count--
	ca.stats.Allocs++

	chunkSize := ca.c.table.ChunkSize(class)
	if kind == arena.KindAtomic {
		word.Put(addr, 0) // drop the stale chain link
	} else {
		b := ca.c.ix.BlockAt(addr)
		off := int(addr - b.Base())
		clearBytes(b.Data()[off : off+chunkSize])
	}
	return addr, nil
}

// Flush returns every loaned chunk to the central lists and clears their
// alloc bits. Called while the cache's owner is stopped.
func (ca *Cache) Flush() {
	for ki, kind := range cacheKinds {
		for class := range ca.lists[ki] {
			cl := &ca.lists[ki][class]
			head := cl.head.Load()
			if head == 0 {
				continue
			}
			for a := head; a != 0; a = word.At(a) {
				if b := ca.c.ix.BlockAt(a); b != nil {
					if i, ok := b.ChunkIndex(a); ok {
						b.ClearAllocated(i)
					}
					if b.Owner() == ca.id {
						b.SetOwner(-1)
					}
				}
			}
			ca.c.ReleaseChunks(kind, class, head, cl.count)
			cl.head.Store(0)
			cl.count = 0
		}
	}
	ca.stats.Flushes++
}

// WalkPinned visits the address of every chunk currently loaned to the
// cache. Used by the collector to keep the loans of an unstoppable
// mutator alive: the walk tolerates racing pops because chain links are
// immutable while a chunk is on the chain.
func (ca *Cache) WalkPinned(fn func(addr uintptr)) {
	for ki := range cacheKinds {
		for class := range ca.lists[ki] {
			limit := ca.lists[ki][class].count + ca.fill
			a := ca.lists[ki][class].head.Load()
			for n := 0; a != 0 && n < limit; n++ {
				fn(a)
				a = word.At(a)
			}
		}
	}
}

// Stats returns a copy of the cache counters.
func (ca *Cache) Stats() CacheStats { return ca.stats }

func cacheKindIndex(kind arena.Kind) int {
	for i, k := range cacheKinds {
		if k == kind {
			return i
		}
	}
	return -1
}
