// Package mark implements the conservative mark phase.
//
// The engine is worklist-driven: candidate objects are pushed onto an
// explicit stack that is reused across collections, never the call stack,
// so arbitrarily deep object graphs cannot overflow anything. Every word
// of a root range or marked object is tested against the metadata index;
// any word resolving to an allocated chunk - at its start or interior -
// marks the whole chunk live. That deliberate over-approximation is the
// conservative retention policy: it can keep garbage, it can never drop a
// live object.
//
// The engine runs single-threaded while the world is stopped. Only the
// declared-span map is locked, because span declarations arrive at
// mutator time; the rest of the state is unsynchronized.
package mark

import (
	"sync"

	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/gc/blacklist"
	"github.com/joshuapare/gcheap/gc/index"
	"github.com/joshuapare/gcheap/gc/roots"
	"github.com/joshuapare/gcheap/internal/word"
)

// Stats holds mark phase counters for the most recent collection.
type Stats struct {
	WordsScanned   int64
	Candidates     int64 // words that passed the bounds filter
	ObjectsMarked  int64
	InteriorHits   int64 // objects retained through an interior pointer
	BlacklistSkips int64 // known false-pointer pages re-observed
	BlacklistAdds  int64 // false-pointer pages recorded this cycle
	WorklistPeak   int
}

// Engine marks the reachable object graph.
type Engine struct {
	ix *index.Index
	bl *blacklist.Table

	work []uintptr // object start addresses awaiting a content scan

	// Declared pointer spans: object start -> bytes of the object that may
	// contain pointers. Absent objects scan in full.
	spanMu sync.Mutex
	spans  map[uintptr]int

	low, high uintptr
	stats     Stats
}

// New creates an engine over the given index and blacklist.
func New(ix *index.Index, bl *blacklist.Table) *Engine {
	return &Engine{
		ix:    ix,
		bl:    bl,
		work:  make([]uintptr, 0, 1024),
		spans: make(map[uintptr]int),
	}
}

// DeclareSpan limits conservative scanning of the object at addr to its
// first n bytes. The caller warrants that no genuine pointer lives beyond
// the span; a span can widen but the engine never re-scans retroactively,
// so declare before the next collection.
func (e *Engine) DeclareSpan(addr uintptr, n int) {
	e.spanMu.Lock()
	e.spans[addr] = n
	e.spanMu.Unlock()
}

// DropSpan removes a declared span.
func (e *Engine) DropSpan(addr uintptr) {
	e.spanMu.Lock()
	delete(e.spans, addr)
	e.spanMu.Unlock()
}

// Run executes one mark phase. snap supplies the roots, [low, high) the
// managed address bounds, and seeds any objects that are live a priori
// (uncollectable objects). Mark bits must be clear on entry.
func (e *Engine) Run(snap roots.Snapshot, low, high uintptr, seeds []uintptr) Stats {
	e.stats = Stats{}
	e.low, e.high = low, high
	e.work = e.work[:0]

	for _, r := range snap.Ranges {
		e.scanRange(r.Start, r.End, true)
	}
	for _, buf := range snap.Buffers {
		for _, v := range buf {
			e.consider(v, true)
		}
	}
	for _, obj := range seeds {
		e.MarkObject(obj)
	}

	e.drain()
	return e.stats
}

// MarkObject marks the object at addr and everything reachable from it.
// addr must classify as an object start.
func (e *Engine) MarkObject(addr uintptr) {
	res, hit := e.ix.Classify(addr)
	if res != index.Start && res != index.Interior {
		return
	}
	if !hit.Block.Marked(hit.Chunk) {
		hit.Block.SetMarked(hit.Chunk)
		e.stats.ObjectsMarked++
		e.work = append(e.work, hit.Object)
	}
	e.drain()
}

// MarkContents marks everything reachable from the contents of the
// object at addr without marking the object itself. Used by finalization
// ordering to discover what a finalizable object keeps alive.
func (e *Engine) MarkContents(addr uintptr) {
	res, hit := e.ix.Classify(addr)
	if res != index.Start {
		return
	}
	e.scanObject(hit.Block, hit.Object)
	e.drain()
}

// MarkRaw sets the mark bit of the chunk at addr without scanning it.
// Used to pin cache loans of mutators that could not be stopped; the
// chunks hold no live data, they only must survive the sweep.
func (e *Engine) MarkRaw(addr uintptr) {
	if b := e.ix.BlockAt(addr); b != nil {
		if i, ok := b.ChunkIndex(addr); ok && !b.Marked(i) {
			b.SetMarked(i)
		}
	}
}

// Marked reports whether the object at addr survived the current mark
// phase.
func (e *Engine) Marked(addr uintptr) bool {
	b := e.ix.BlockAt(addr)
	if b == nil {
		return false
	}
	i, ok := b.ChunkIndex(addr)
	return ok && b.Marked(i)
}

// drain pops objects and scans their contents until the worklist empties.
func (e *Engine) drain() {
	for len(e.work) > 0 {
		if len(e.work) > e.stats.WorklistPeak {
			e.stats.WorklistPeak = len(e.work)
		}
		obj := e.work[len(e.work)-1]
		e.work = e.work[:len(e.work)-1]

		b := e.ix.BlockAt(obj)
		if b == nil {
			continue
		}
		e.scanObject(b, obj)
	}
}

// scanObject conservatively scans the in-bounds words of one object.
func (e *Engine) scanObject(b *arena.Block, obj uintptr) {
	if b.Kind() == arena.KindAtomic {
		return // pointer-free by contract
	}
	limit := b.ChunkSize()
	e.spanMu.Lock()
	n, ok := e.spans[obj]
	e.spanMu.Unlock()
	if ok && n < limit {
		limit = n
	}
	e.scanRange(obj, obj+uintptr(limit), false)
}

// scanRange tests every word-aligned word in [start, end). fromRoot
// selects blacklist learning: only root-sourced misses poison pages,
// since heap words are rewritten too often to teach us anything stable.
func (e *Engine) scanRange(start, end uintptr, fromRoot bool) {
	for a := start; a+uintptr(word.Size) <= end; a += uintptr(word.Size) {
		e.stats.WordsScanned++
		e.consider(word.At(a), fromRoot)
	}
}

// consider tests one candidate word. Every in-bounds candidate is
// classified; the blacklist never vetoes a classified hit, since a
// blacklisted page can still hold live objects (a free chunk shares its
// page with allocated ones, and atomic blocks soak poisoned runs). It
// only records misses, to steer future block placement.
func (e *Engine) consider(v uintptr, fromRoot bool) {
	if v < e.low || v >= e.high {
		return
	}
	e.stats.Candidates++

	res, hit := e.ix.Classify(v)
	switch res {
	case index.Start, index.Interior:
		if res == index.Interior {
			e.stats.InteriorHits++
		}
		if !hit.Block.Marked(hit.Chunk) {
			hit.Block.SetMarked(hit.Chunk)
			e.stats.ObjectsMarked++
			e.work = append(e.work, hit.Object)
		}
	case index.FreeChunk, index.NotHeap:
		// In managed bounds but naming no object: a false pointer. Learn
		// the page so the arena keeps pointer-bearing blocks away from
		// it; an object placed there would be retained forever.
		if !fromRoot || e.bl == nil {
			return
		}
		if e.bl.IsFalsePointer(v) {
			e.stats.BlacklistSkips++
			return
		}
		e.bl.AddFalsePointer(v)
		e.stats.BlacklistAdds++
	}
}

// PruneSpans drops declared spans whose objects did not survive the mark
// phase, so a reused chunk address cannot inherit a stale span. Called
// after marking, before the sweep recycles addresses.
func (e *Engine) PruneSpans() {
	e.spanMu.Lock()
	defer e.spanMu.Unlock()
	for addr := range e.spans {
		if !e.Marked(addr) {
			delete(e.spans, addr)
		}
	}
}

// LastStats returns the counters of the most recent mark phase.
func (e *Engine) LastStats() Stats {
	return e.stats
}
