//go:build unix

// Package mempage provides platform-specific acquisition of page-aligned
// anonymous memory for the managed heap.
package mempage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map obtains size bytes of zeroed, page-aligned anonymous memory from the
// OS and returns the region plus a release function.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("mempage: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mempage: mmap %d bytes: %w", size, err)
	}
	released := false
	cleanup := func() error {
		if released {
			return nil
		}
		released = true
		return unix.Munmap(data)
	}
	return data, cleanup, nil
}

// PageSize returns the OS page size.
func PageSize() int {
	return unix.Getpagesize()
}
