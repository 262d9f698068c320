//go:build !unix

// Package mempage provides platform-specific acquisition of page-aligned
// anonymous memory for the managed heap.
package mempage

import (
	"fmt"
	"os"
	"unsafe"
)

// Map allocates a page-aligned region from the Go heap when anonymous
// mapping is not available. The region is pinned by the returned slice;
// the release function only drops the collector's view of it.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mempage: invalid mapping size %d", size)
	}
	page := PageSize()
	raw := make([]byte, size+page)
	base := uintptr(unsafe.Pointer(&raw[0]))
	skew := 0
	if rem := int(base) & (page - 1); rem != 0 {
		skew = page - rem
	}
	data := raw[skew : skew+size : skew+size]
	return data, func() error { return nil }, nil
}

// PageSize returns the OS page size.
func PageSize() int {
	return os.Getpagesize()
}
