package mempage

import (
	"testing"
	"unsafe"
)

func TestMapAlignedAndZeroed(t *testing.T) {
	page := PageSize()
	data, release, err := Map(4 * page)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer release()

	if len(data) != 4*page {
		t.Fatalf("mapped %d bytes, want %d", len(data), 4*page)
	}
	base := uintptr(unsafe.Pointer(&data[0]))
	if base%uintptr(page) != 0 {
		t.Fatalf("mapping base %#x not page aligned", base)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zero", i)
		}
	}

	// The region must be writable end to end.
	data[0] = 0xff
	data[len(data)-1] = 0xff
}

func TestMapRejectsBadSize(t *testing.T) {
	if _, _, err := Map(0); err == nil {
		t.Fatalf("Map(0) should fail")
	}
	if _, _, err := Map(-1); err == nil {
		t.Fatalf("Map(-1) should fail")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	data, release, err := Map(PageSize())
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	_ = data
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
}
