package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(12), alignUp(12, 3))
	assert.Equal(t, uint64(12), alignUp(10, 3))
	assert.Equal(t, uint64(0), alignUp(0, 16))
	assert.Equal(t, uint64(32), alignUp(17, 16))
}

func TestHeap(t *testing.T) {
	h := &heap{size: 1024}
	alloc := func(size uint64) (*span, bool) { return h.allocate(size, 1) }

	_, ok := alloc(2048)
	assert.False(t, ok)

	first, ok := alloc(512)
	require.True(t, ok)
	assert.Equal(t, uint64(0), first.offset)

	_, ok = alloc(768)
	assert.False(t, ok)

	middle, ok := alloc(500)
	require.True(t, ok)
	assert.Equal(t, uint64(512), middle.offset)

	_, ok = alloc(50)
	assert.False(t, ok)

	tail, ok := alloc(5)
	require.True(t, ok)
	assert.Equal(t, uint64(1012), tail.offset)

	_, ok = alloc(20)
	assert.False(t, ok, h.String())

	h.free(middle)
	again, ok := alloc(500)
	require.True(t, ok)
	assert.Equal(t, uint64(512), again.offset)

	// Small allocations fill the hole left by the first one, in order.
	h.free(first)
	for _, want := range []struct{ size, offset uint64 }{{20, 0}, {40, 20}, {12, 60}} {
		s, ok := alloc(want.size)
		require.True(t, ok)
		assert.Equal(t, want.offset, s.offset)
	}
	// 440 bytes are free below the second span and 7 above the tail, but never 500 in one piece.
	_, ok = alloc(500)
	assert.False(t, ok, h.String())
	s, ok := alloc(5)
	require.True(t, ok)
	assert.Equal(t, uint64(72), s.offset)

	assert.Equal(t, uint64(582), h.used())
}

func TestHeapAlignment(t *testing.T) {
	h := &heap{size: 256}
	a, ok := h.allocate(10, 16)
	require.True(t, ok)
	b, ok := h.allocate(10, 16)
	require.True(t, ok)
	assert.Equal(t, uint64(16), b.offset)

	h.free(a)
	c, ok := h.allocate(20, 16)
	require.True(t, ok)
	assert.Equal(t, uint64(32), c.offset)

	// Freeing a span twice leaves the heap untouched.
	h.free(a)
	assert.Len(t, h.spans, 2)
}
