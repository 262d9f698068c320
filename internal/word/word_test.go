package word

import "testing"

func TestAddressedAccess(t *testing.T) {
	buf := make([]byte, 64)
	base := Base(buf)
	if base == 0 {
		t.Fatalf("Base returned zero for non-empty slice")
	}
	Put(base+16, 0x1234)
	if got := At(base + 16); got != 0x1234 {
		t.Fatalf("At=%#x want 0x1234", got)
	}
	if got := At(base); got != 0 {
		t.Fatalf("untouched word should read zero, got %#x", got)
	}
	if got := Base(buf[16:]); got != base+16 {
		t.Fatalf("Base of subslice=%#x want %#x", got, base+16)
	}
}

func TestBaseEmpty(t *testing.T) {
	if got := Base(nil); got != 0 {
		t.Fatalf("Base(nil)=%#x want 0", got)
	}
}
