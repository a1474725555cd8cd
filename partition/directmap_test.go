package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectMapRoundTrip(t *testing.T) {
	r := newTestRoot(t)
	size := uintptr(MaxBucketed + 1024)
	ptr, err := r.Alloc(size)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.GreaterOrEqual(t, r.GetSize(ptr), size)
	r.Free(ptr)
}

func TestDirectMapExtentsLinkAndUnlink(t *testing.T) {
	r := newTestRoot(t)
	size := uintptr(MaxBucketed + 4096)

	p1, err := r.Alloc(size)
	require.NoError(t, err)
	p2, err := r.Alloc(size)
	require.NoError(t, err)

	assert.Equal(t, 2, countDirectMapExtents(r))

	r.Free(p1)
	assert.Equal(t, 1, countDirectMapExtents(r))
	r.Free(p2)
	assert.Equal(t, 0, countDirectMapExtents(r))
}

func countDirectMapExtents(r *Root) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for e := r.directMapHead; e != nil; e = e.next {
		n++
	}
	return n
}

func TestReallocDirectMappedInPlaceSameRoundedSize(t *testing.T) {
	r := newTestRoot(t)
	// Leaves slack before the next system-page boundary so a small growth
	// still rounds up to the same committed size.
	size := uintptr(MaxBucketed + 100)
	ptr, err := r.Alloc(size)
	require.NoError(t, err)

	grown, err := r.Realloc(ptr, size+50)
	require.NoError(t, err)
	assert.Equal(t, ptr, grown, "growing within the same rounded system-page size must stay in place")
	r.Free(grown)
}

func TestReallocDirectMappedGrowsInPlaceWithinReservation(t *testing.T) {
	r := newTestRoot(t)
	size := uintptr(MaxBucketed + 100)
	ptr, err := r.Alloc(size)
	require.NoError(t, err)
	before := r.committedBytes

	grown, err := r.Realloc(ptr, size+500000)
	require.NoError(t, err)
	assert.Equal(t, ptr, grown, "growing within the extent's existing reservation must stay in place")
	assert.Greater(t, r.committedBytes, before)
	r.Free(grown)
}

func TestReallocDirectMappedSmallShrinkDecommitsTail(t *testing.T) {
	r := newTestRoot(t)
	size := uintptr(1 << 20) // 1 MiB
	ptr, err := r.Alloc(size)
	require.NoError(t, err)
	before := r.committedBytes

	shrunk, err := r.Realloc(ptr, 900*1024) // 900 KiB, still >= 80% of 1 MiB
	require.NoError(t, err)
	assert.Equal(t, ptr, shrunk, "a shrink within the 80% threshold must stay in place")
	assert.Equal(t, before-(size-900*1024), r.committedBytes, "an in-place shrink must decommit exactly the freed tail")
	r.Free(shrunk)
}

func TestReallocDirectMappedLargeShrinkMovesAllocation(t *testing.T) {
	r := newTestRoot(t)
	size := uintptr(2 << 20) // 2 MiB
	ptr, err := r.Alloc(size)
	require.NoError(t, err)
	before := r.committedBytes

	shrunk, err := r.Realloc(ptr, 500*1024) // well below 80% of 2 MiB
	require.NoError(t, err)
	assert.NotEqual(t, ptr, shrunk, "a shrink below the 80% threshold must not stay in place")
	assert.Less(t, r.committedBytes, before, "releasing the old 2 MiB mapping must lower the committed total")
	r.Free(shrunk)
}

func TestExcessiveSizeAboveMaxDirectMappedFails(t *testing.T) {
	r := newTestRoot(t)
	_, err := r.AllocFlags(FlagReturnNull, MaxDirectMapped+1)
	assert.ErrorIs(t, err, ErrExcessiveAllocationSize)
}
