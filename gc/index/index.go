// Package index maps arbitrary addresses to the heap block and object
// that contain them.
//
// Classify is invoked once per candidate word during marking, which makes
// it the dominant cost of a collection. The index is therefore a flat
// page-granular map published through an atomic pointer: lookups are one
// hash probe with no locking, and the rare block add/remove pays for a
// copy-on-write republish instead.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/gcheap/gc/arena"
)

// Result classifies a candidate address.
type Result int

const (
	// NotHeap: the address is not inside any managed block.
	NotHeap Result = iota

	// Start: the address is the first byte of an allocated object.
	Start

	// Interior: the address lies inside an allocated object, past its
	// first byte.
	Interior

	// FreeChunk: the address lies inside a managed block but names a chunk
	// that is not handed out. Such values are false-pointer candidates.
	FreeChunk
)

// Hit carries the resolution of a Start/Interior/FreeChunk classification.
type Hit struct {
	Block  *arena.Block
	Object uintptr // start address of the containing object
	Chunk  int     // chunk index within the block
}

type pageMap map[uintptr]*arena.Block

// Index is the block-granular address classifier.
type Index struct {
	mu        sync.Mutex // serializes republish; lookups never take it
	pages     atomic.Pointer[pageMap]
	pageShift uint
}

// New creates an index keyed at the given page shift. Blocks registered
// with it must be page-aligned spans of whole pages.
func New(pageShift uint) *Index {
	ix := &Index{pageShift: pageShift}
	m := make(pageMap)
	ix.pages.Store(&m)
	return ix
}

// AddBlock publishes every page of b. Called by the arena under its lock.
func (ix *Index) AddBlock(b *arena.Block) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := ix.clone(b.Span() >> ix.pageShift)
	for p := b.Base() >> ix.pageShift; p <= (b.Base()+uintptr(b.Span())-1)>>ix.pageShift; p++ {
		next[p] = b
	}
	ix.pages.Store(&next)
}

// RemoveBlock withdraws every page of b.
func (ix *Index) RemoveBlock(b *arena.Block) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := ix.clone(0)
	for p := b.Base() >> ix.pageShift; p <= (b.Base()+uintptr(b.Span())-1)>>ix.pageShift; p++ {
		delete(next, p)
	}
	ix.pages.Store(&next)
}

func (ix *Index) clone(extra int) pageMap {
	cur := *ix.pages.Load()
	next := make(pageMap, len(cur)+extra)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Classify resolves addr to the object containing it, in O(1).
func (ix *Index) Classify(addr uintptr) (Result, Hit) {
	m := *ix.pages.Load()
	b, ok := m[addr>>ix.pageShift]
	if !ok {
		return NotHeap, Hit{}
	}
	chunk, ok := b.ChunkIndex(addr)
	if !ok {
		// Tail slack behind the last whole chunk.
		return NotHeap, Hit{}
	}
	obj := b.ChunkAddr(chunk)
	hit := Hit{Block: b, Object: obj, Chunk: chunk}
	if !b.Allocated(chunk) {
		return FreeChunk, hit
	}
	if addr == obj {
		return Start, hit
	}
	return Interior, hit
}

// BlockAt returns the block containing addr, nil when unmanaged.
func (ix *Index) BlockAt(addr uintptr) *arena.Block {
	m := *ix.pages.Load()
	return m[addr>>ix.pageShift]
}

// ForEachBlock visits every distinct registered block. The visit order is
// unspecified. The snapshot semantics of the published map make this safe
// to run concurrently with lookups, though block mutation still requires
// the world to be stopped.
func (ix *Index) ForEachBlock(fn func(*arena.Block)) {
	m := *ix.pages.Load()
	seen := make(map[*arena.Block]struct{}, len(m))
	for _, b := range m {
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		fn(b)
	}
}

// BlockCount returns the number of distinct registered blocks.
func (ix *Index) BlockCount() int {
	n := 0
	ix.ForEachBlock(func(*arena.Block) { n++ })
	return n
}
