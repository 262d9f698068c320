package align

// Alignment utilities for the managed heap.
// Chunks are word-aligned, heap blocks and segments are page-aligned.

const (
	// Word is the machine word size in bytes. The collector scans memory
	// word by word, so every chunk size is a multiple of Word.
	Word = 8

	wordMask = Word - 1
)

// Up returns n aligned up to the next multiple of to.
// to must be a power of two.
func Up(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// Down returns n aligned down to the previous multiple of to.
// to must be a power of two.
func Down(n, to int) int {
	return n &^ (to - 1)
}

// Word8 returns n aligned up to the next 8-byte boundary.
//
// Example:
//
//	Word8(1)  = 8
//	Word8(8)  = 8
//	Word8(9)  = 16
func Word8(n int) int {
	return (n + wordMask) &^ wordMask
}

// IsAligned reports whether addr is aligned to a multiple of to.
// to must be a power of two.
func IsAligned(addr uintptr, to int) bool {
	return addr&uintptr(to-1) == 0
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Log2 returns the base-2 logarithm of n, which must be a power of two.
func Log2(n int) uint {
	var s uint
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}
