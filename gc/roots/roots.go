// Package roots maintains the conservative root set: statically
// registered address ranges plus the root buffers of mutators, stopped
// or not.
package roots

import (
	"sync"

	"github.com/joshuapare/gcheap/gc/stw"
	"github.com/joshuapare/gcheap/internal/align"
	"github.com/joshuapare/gcheap/internal/word"
)

// Range is a half-open span of scannable memory.
type Range struct {
	Start uintptr
	End   uintptr
}

// Words returns the number of whole words in the range.
func (r Range) Words() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End-r.Start) / word.Size
}

// Set holds the registered static root ranges.
type Set struct {
	mu     sync.RWMutex
	ranges []Range
}

// NewSet creates an empty root set.
func NewSet() *Set {
	return &Set{}
}

// Add registers [start, end) as a root range. The bounds are narrowed to
// whole words; an empty or inverted range is ignored.
func (s *Set) Add(start, end uintptr) {
	start = uintptr(align.Up(int(start), word.Size))
	end = uintptr(align.Down(int(end), word.Size))
	if end <= start {
		return
	}
	s.mu.Lock()
	s.ranges = append(s.ranges, Range{Start: start, End: end})
	s.mu.Unlock()
}

// Remove drops the registered range exactly matching [start, end) after
// the same narrowing Add applies. Reports whether a range was removed.
func (s *Set) Remove(start, end uintptr) bool {
	start = uintptr(align.Up(int(start), word.Size))
	end = uintptr(align.Down(int(end), word.Size))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.ranges {
		if r.Start == start && r.End == end {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered ranges.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ranges)
}

// Snapshot is the root set of one collection: the registered ranges and
// the root buffers of every registered mutator, whether or not it could
// be brought to a safe point. It is rebuilt each cycle and discarded
// after marking.
type Snapshot struct {
	Ranges  []Range
	Buffers [][]uintptr
}

// Snapshot captures the current roots. stopped must hold only mutators
// that are parked or blocked; their buffers are referenced in place, not
// copied, which is safe for the duration of the pause. excluded holds
// mutators that missed the stop deadline; their buffers are copied under
// the owner's feet — a racy read can only over-retain, never drop a root
// the owner had published before the stop.
func (s *Set) Snapshot(stopped, excluded []*stw.Mutator) Snapshot {
	s.mu.RLock()
	ranges := make([]Range, len(s.ranges))
	copy(ranges, s.ranges)
	s.mu.RUnlock()

	buffers := make([][]uintptr, 0, len(stopped)+len(excluded))
	for _, m := range stopped {
		if b := m.Roots(); len(b) > 0 {
			buffers = append(buffers, b)
		}
	}
	for _, m := range excluded {
		if b := m.Roots(); len(b) > 0 {
			cp := make([]uintptr, len(b))
			copy(cp, b)
			buffers = append(buffers, cp)
		}
	}
	return Snapshot{Ranges: ranges, Buffers: buffers}
}
