// Package blacklist records address patterns that mimic heap pointers but
// are not, so the arena can avoid placing new objects where a stale
// pointer-like value would retain them. The table only ever influences
// placement: the marker consults the index for every candidate, so a
// blacklisted page never hides a live object.
//
// The table is page-granular and open-addressed. A hash collision simply
// evicts the previous entry, so the table structurally errs toward
// under-blacklisting: it may forget a noisy page, but it never reports a
// page it was not explicitly told about.
package blacklist

import (
	"math/rand/v2"
	"sync/atomic"
)

// Entry states, stored in the low bits of a packed table slot.
const (
	stateEmpty uintptr = iota

	// StateFalsePointer marks a page that a root or object word named even
	// though no object lives there (unmapped gap or free chunk).
	StateFalsePointer

	// StatePointerFree marks a page known to hold only non-pointer data
	// (atomic objects), so the marker need not scan words pointing at it
	// precisely - they can never be false retainers.
	StatePointerFree

	stateMask uintptr = 3
)

// Table is a fixed-size, lock-free blacklist of pages.
//
// Slots pack a page number and a 2-bit state into one word:
// key<<2 | state. Writers race benignly; a lost write is just a missed
// blacklist entry (under-blacklisting, the safe direction).
type Table struct {
	slots     []atomic.Uintptr
	mask      uintptr
	pageShift uint
	decay     float64 // per-collection probability of forgetting an entry

	stats Stats
}

// Stats holds blacklist counters.
type Stats struct {
	Added   atomic.Int64 // entries recorded
	Hits    atomic.Int64 // lookups that reported a blacklisted page
	Decayed atomic.Int64 // entries cleared by decay
}

// New creates a table with the given slot count (rounded up to a power of
// two), page shift, and per-collection decay probability.
func New(size int, pageShift uint, decay float64) *Table {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Table{
		slots:     make([]atomic.Uintptr, n),
		mask:      uintptr(n - 1),
		pageShift: pageShift,
		decay:     decay,
	}
}

func (t *Table) slot(page uintptr) *atomic.Uintptr {
	// Fibonacci hashing spreads consecutive pages across the table.
	h := page * 0x9E3779B97F4A7C15
	return &t.slots[(h>>16)&t.mask]
}

// AddFalsePointer records addr's page as a false-pointer source.
func (t *Table) AddFalsePointer(addr uintptr) {
	t.add(addr>>t.pageShift, StateFalsePointer)
}

// AddPointerFree records addr's page as containing only non-pointer data.
func (t *Table) AddPointerFree(addr uintptr) {
	t.add(addr>>t.pageShift, StatePointerFree)
}

// AddPointerFreeRange records every page of [base, base+span) as holding
// only non-pointer data. The arena calls this when it dedicates a run to
// atomic objects.
func (t *Table) AddPointerFreeRange(base uintptr, span int) {
	pageSize := uintptr(1) << t.pageShift
	end := base + uintptr(span)
	for p := base &^ (pageSize - 1); p < end; p += pageSize {
		t.AddPointerFree(p)
	}
}

func (t *Table) add(page, state uintptr) {
	s := t.slot(page)
	packed := page<<2 | state
	if s.Load() == packed {
		return
	}
	s.Store(packed)
	t.stats.Added.Add(1)
}

// IsFalsePointer reports whether addr lies on a page recorded as a
// false-pointer target.
func (t *Table) IsFalsePointer(addr uintptr) bool {
	page := addr >> t.pageShift
	v := t.slot(page).Load()
	if v>>2 == page && v&stateMask == StateFalsePointer {
		t.stats.Hits.Add(1)
		return true
	}
	return false
}

// IsPointerFree reports whether addr lies on a page recorded as holding
// only non-pointer data.
func (t *Table) IsPointerFree(addr uintptr) bool {
	page := addr >> t.pageShift
	v := t.slot(page).Load()
	return v>>2 == page && v&stateMask == StatePointerFree
}

// RangeBad reports whether any page in [base, base+span) is recorded as a
// false-pointer source. The arena consults this before dedicating a fresh
// block to pointer-bearing objects: an object placed on such a page could
// be retained forever by the coincidental value that blacklisted it.
func (t *Table) RangeBad(base uintptr, span int) bool {
	pageSize := uintptr(1) << t.pageShift
	end := base + uintptr(span)
	for p := base &^ (pageSize - 1); p < end; p += pageSize {
		if t.IsFalsePointer(p) {
			return true
		}
	}
	return false
}

// RangePointerFree reports whether any page in [base, base+span) is
// recorded as holding pointer-free data. Runs of former atomic pages are
// preferred again for atomic allocation: values copied out of that data
// may still name these addresses, so pointer-bearing objects stay off
// them.
func (t *Table) RangePointerFree(base uintptr, span int) bool {
	pageSize := uintptr(1) << t.pageShift
	end := base + uintptr(span)
	for p := base &^ (pageSize - 1); p < end; p += pageSize {
		if t.IsPointerFree(p) {
			return true
		}
	}
	return false
}

// Decay probabilistically forgets entries. Called once per collection so
// one-off coincidental bit patterns do not quarantine address space
// forever.
func (t *Table) Decay() {
	if t.decay <= 0 {
		return
	}
	for i := range t.slots {
		if t.slots[i].Load() == 0 {
			continue
		}
		if rand.Float64() < t.decay {
			t.slots[i].Store(0)
			t.stats.Decayed.Add(1)
		}
	}
}

// Snapshot returns current counter values.
func (t *Table) Snapshot() (added, hits, decayed int64) {
	return t.stats.Added.Load(), t.stats.Hits.Load(), t.stats.Decayed.Load()
}

// Len returns the number of occupied slots. Intended for tests and stats.
func (t *Table) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Load() != 0 {
			n++
		}
	}
	return n
}
