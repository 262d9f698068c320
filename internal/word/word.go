// Package word provides native-width word access to managed heap memory.
//
// The collector owns the pages it hands out (anonymous mappings obtained
// through internal/mempage), so converting a uintptr back to a pointer here
// never aliases Go-runtime-managed memory.
package word

import "unsafe"

// Size is the machine word size in bytes.
const Size = int(unsafe.Sizeof(uintptr(0)))

// At reads the word stored at addr.
func At(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) //nolint:govet // foreign (mmap) memory
}

// Put stores v at addr.
func Put(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v //nolint:govet // foreign (mmap) memory
}

// Base returns the address of the first byte of b.
func Base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
