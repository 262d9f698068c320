// Package gcheap is a conservative mark/sweep garbage-collected heap.
//
// Objects live in memory mapped outside the Go runtime's view and are
// addressed by plain uintptr values (Addr). Because addresses are
// opaque, reachability is decided conservatively: every word of a root
// or of a reachable object that looks like a heap address retains the
// object it points into, including through interior pointers. The
// collector can over-retain; it never reclaims a reachable object.
//
// # Allocation
//
//	h, _ := gcheap.New(nil)
//	obj, err := h.Allocate(64, gcheap.KindNormal)
//	gcheap.PutWord(obj, 0, other) // link objects by storing addresses
//
// Three kinds exist. KindNormal objects are zeroed and scanned.
// KindAtomic objects are known pointer-free; the scanner skips their
// contents, which suppresses false retention from binary data.
// KindUncollectable objects act as roots and are released only by an
// explicit Free.
//
// # Roots and mutators
//
// The collector cannot see Go stacks or globals, so roots are explicit:
// AddRoots registers address ranges, and goroutines that hold heap
// references in locals register with RegisterMutator and mirror those
// references into the mutator's root buffer (PushRoot/PopRoot).
// Registered mutators participate in stop-the-world coordination: they
// pause at safepoints (every AllocateFor is one) and bracket long
// non-heap waits with EnterBlocked/ExitBlocked. A mutator that stays
// away from safepoints past the configured timeout is excluded from the
// stop, reported on Diagnostics, and its roots are not scanned that
// cycle.
//
// Collections trigger automatically from allocation volume and can be
// forced with Collect (CollectAs from a registered mutator). Finalizers
// registered with SetFinalizer run after the world resumes, in
// dependency order.
package gcheap
