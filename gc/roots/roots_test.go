package roots

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/gcheap/gc/stw"
)

func TestSet_AddNarrowsToWords(t *testing.T) {
	s := NewSet()

	s.Add(0x1003, 0x1021)
	require.Equal(t, 1, s.Len())

	snap := s.Snapshot(nil, nil)
	require.Len(t, snap.Ranges, 1)
	r := snap.Ranges[0]
	assert.Equal(t, uintptr(0x1008), r.Start, "start rounds up to a word")
	assert.Equal(t, uintptr(0x1020), r.End, "end rounds down to a word")
	assert.Equal(t, 3, r.Words())
}

func TestSet_EmptyRangeIgnored(t *testing.T) {
	s := NewSet()
	s.Add(0x1000, 0x1000)
	s.Add(0x2000, 0x1000)
	s.Add(0x1001, 0x1007) // narrows to nothing
	assert.Zero(t, s.Len())
}

func TestSet_Remove(t *testing.T) {
	s := NewSet()
	s.Add(0x1000, 0x2000)
	s.Add(0x3000, 0x4000)

	assert.False(t, s.Remove(0x1000, 0x1800), "partial spans do not match")
	assert.True(t, s.Remove(0x1000, 0x2000))
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Remove(0x1000, 0x2000), "already removed")
}

func TestSet_RemoveMatchesAfterNarrowing(t *testing.T) {
	s := NewSet()
	s.Add(0x1003, 0x2001)
	assert.True(t, s.Remove(0x1003, 0x2001), "same raw bounds narrow identically")
	assert.Zero(t, s.Len())
}

func TestSnapshot_IncludesMutatorBuffers(t *testing.T) {
	s := NewSet()
	buf := make([]uintptr, 4)
	start := uintptr(unsafe.Pointer(&buf[0]))
	s.Add(start, start+4*unsafe.Sizeof(uintptr(0)))

	c := stw.New(time.Millisecond, 2, nil)
	m1 := c.Register("a")
	m2 := c.Register("b")
	m1.PushRoot(0xaaa0)
	m1.PushRoot(0xbbb0)
	// m2 holds nothing.

	snap := s.Snapshot([]*stw.Mutator{m1, m2}, nil)
	require.Len(t, snap.Ranges, 1)
	require.Len(t, snap.Buffers, 1, "empty buffers are dropped")
	assert.Equal(t, []uintptr{0xaaa0, 0xbbb0}, snap.Buffers[0])
}

func TestSnapshot_IncludesExcludedMutatorBuffers(t *testing.T) {
	s := NewSet()
	c := stw.New(time.Millisecond, 2, nil)
	m1 := c.Register("stopped")
	m2 := c.Register("missed-the-stop")
	m1.PushRoot(0xaaa0)
	m2.PushRoot(0xccc0)
	m2.PushRoot(0xddd0)

	snap := s.Snapshot([]*stw.Mutator{m1}, []*stw.Mutator{m2})
	require.Len(t, snap.Buffers, 2,
		"a mutator that missed the stop still contributes its roots")
	assert.Equal(t, []uintptr{0xaaa0}, snap.Buffers[0])
	assert.Equal(t, []uintptr{0xccc0, 0xddd0}, snap.Buffers[1])

	// The excluded buffer is a copy: its owner may keep appending while
	// the marker reads.
	m2.PushRoot(0xeee0)
	assert.Equal(t, []uintptr{0xccc0, 0xddd0}, snap.Buffers[1])
}
