package gcheap

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates an allocation failed even after an
	// emergency collection.
	ErrOutOfMemory = errors.New("gcheap: out of memory")

	// ErrBadAddress indicates an address that is not the start of an
	// allocated object.
	ErrBadAddress = errors.New("gcheap: address is not an allocated object")

	// ErrHeapClosed indicates an operation on a closed heap.
	ErrHeapClosed = errors.New("gcheap: heap is closed")
)

// CorruptHeapError reports an internal invariant violation found by a
// consistency check. It indicates heap metadata damage, most commonly a
// stray write through a stale address, and the heap cannot be trusted
// afterwards.
type CorruptHeapError struct {
	Addr   uintptr // block base or object address implicated, 0 if unknown
	Detail string
}

func (e *CorruptHeapError) Error() string {
	if e.Addr == 0 {
		return fmt.Sprintf("gcheap: corrupt heap: %s", e.Detail)
	}
	return fmt.Sprintf("gcheap: corrupt heap at %#x: %s", e.Addr, e.Detail)
}
