// Package alloc implements the size-classed free-list allocator of the
// managed heap.
//
// # Overview
//
// Allocation requests round up to a size class. Every (class, kind) pair
// has a central free list threaded through the first word of each free
// chunk, so the list costs no memory beyond the chunks themselves. When a
// list runs dry the allocator first finishes sweeping any blocks of that
// class still pending from the last collection, then dedicates a fresh
// block from the arena.
//
// # Fast path
//
// Mutators do not touch the central lists for small allocations. Each
// registered mutator owns a Cache holding short per-class chains refilled
// in batches, so the common allocation takes no lock at all. Caches are
// flushed back to the central lists while the world is stopped, restoring
// the single-owner invariant the sweeper relies on.
//
// # Chunk states
//
// A chunk is always in exactly one of four states: on a central free
// list, loaned to a cache, handed out to the program, or pending sweep.
// The alloc bitmap on each block records "left the central lists" (cache
// or program); the sweeper reconciles it against the mark bitmap after
// every collection.
package alloc
