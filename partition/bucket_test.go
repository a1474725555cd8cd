package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeToBucketIndexMonotonic(t *testing.T) {
	prev := bucketSizes[sizeToBucketIndex(1)]
	for size := uintptr(2); size < MaxBucketed; size += 997 {
		idx := sizeToBucketIndex(size)
		require.Less(t, idx, sentinelBucketIndex)
		got := bucketSizes[idx]
		require.GreaterOrEqual(t, got, size, "bucket for size %d is smaller than requested", size)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestSizeAboveMaxBucketedRoutesToSentinel(t *testing.T) {
	assert.Equal(t, sentinelBucketIndex, sizeToBucketIndex(MaxBucketed+1))
}

func TestBucketOverflowFaults(t *testing.T) {
	r := newTestRoot(t)
	b := &r.buckets[0]
	b.numFullSpans = ^uint16(0)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		ierr, ok := rec.(*IntegrityError)
		require.True(t, ok)
		assert.Equal(t, "BucketOverflow", ierr.Kind)
	}()

	// A full span still on the active list: slots in use, no freelist, none
	// left unprovisioned.
	span := &SlotSpan{bucket: b, numAllocatedSlots: 1}
	b.activeHead = span
	b.setNewActivePage()
}

func TestEmptyActiveListReturnsNil(t *testing.T) {
	r := newTestRoot(t)
	b := &r.buckets[3]
	assert.Nil(t, b.setNewActivePage())
}
