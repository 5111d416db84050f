package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRelease(t *testing.T) {
	r := NewRegion(0x1000, 4096)

	addr, buf, err := r.Reserve(64)
	require.NoError(t, err)
	require.NotZero(t, addr)
	assert.Len(t, buf, 64)
	assert.Equal(t, 1, r.Len())

	r.Release(addr)
	assert.Equal(t, 0, r.Len())
}

func TestAllocCopiesData(t *testing.T) {
	r := NewRegion(0x1000, 4096)

	data := []byte{1, 2, 3, 4}
	addr, err := r.Alloc(data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	require.NoError(t, r.Read(addr, got))
	assert.Equal(t, data, got)

	// mutating the source after Alloc must not affect the copy
	data[0] = 0xff
	require.NoError(t, r.Read(addr, got))
	assert.Equal(t, byte(1), got[0])
}

func TestWriteOversizeRejected(t *testing.T) {
	r := NewRegion(0x1000, 4096)

	addr, _, err := r.Reserve(4)
	require.NoError(t, err)
	assert.Error(t, r.Write(addr, []byte{1, 2, 3, 4, 5}))
}

func TestTrackUntrackReturnsSameBuffer(t *testing.T) {
	r := NewRegion(0x1000, 4096)

	ext := make([]byte, 32)
	addr, err := r.Track(ext)
	require.NoError(t, err)

	back := r.Untrack(addr)
	assert.Same(t, &ext[0], &back[0])
	assert.Equal(t, 0, r.Len())
}

func TestFreeBlockReuse(t *testing.T) {
	r := NewRegion(0x1000, 128)

	a1, _, err := r.Reserve(64)
	require.NoError(t, err)
	r.Release(a1)

	a2, _, err := r.Reserve(64)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestReadUnallocatedFails(t *testing.T) {
	r := NewRegion(0x1000, 4096)
	assert.Error(t, r.Read(0x9999, make([]byte, 4)))
}

// Reserve/Track/Alloc all report ErrExhausted rather than panicking when no
// free block remains large enough for the request, matching spec's
// no-memory sentinel for allocation failure.
func TestReserveExhaustionReturnsError(t *testing.T) {
	r := NewRegion(0x1000, 64)

	_, _, err := r.Reserve(32)
	require.NoError(t, err)

	_, _, err = r.Reserve(64)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestTrackExhaustionReturnsError(t *testing.T) {
	r := NewRegion(0x1000, 16)

	_, err := r.Track(make([]byte, 32))
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, r.Len())
}

func TestAllocExhaustionReturnsError(t *testing.T) {
	r := NewRegion(0x1000, 16)

	_, err := r.Alloc(make([]byte, 32))
	require.ErrorIs(t, err, ErrExhausted)
}
