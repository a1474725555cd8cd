package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voidforge/partitionalloc/internal/slotptr"
)

func TestAllocAndFillFreelistProvisionsAndTerminates(t *testing.T) {
	r := newTestRoot(t)
	b := &r.buckets[sizeToBucketIndex(64)]

	numPages := int(b.numSystemPagesPerSlotSpan) / systemPagesPerPartitionPage
	if numPages == 0 {
		numPages = 1
	}
	sp, firstIndex, err := r.reserveSpanPages(numPages)
	require.NoError(t, err)

	payloadStart := sp.base + uintptr(firstIndex)*PartitionPageSize
	span := &SlotSpan{
		bucket:                b,
		freelistHead:          slotptr.Nil,
		numUnprovisionedSlots: b.slotsPerSpan,
		numSlots:              b.slotsPerSpan,
		emptyCacheIndex:       emptyCacheIndexNone,
		payloadStart:          payloadStart,
		payloadEnd:            payloadStart + uintptr(b.slotsPerSpan)*b.slotSize,
		superPage:             sp,
		firstPageIndex:        firstIndex,
	}

	first := span.allocAndFillFreelist()
	assert.Equal(t, span.payloadStart, first)
	assert.Equal(t, int32(1), span.numAllocatedSlots)

	n := span.freelistLen(r)
	assert.Equal(t, int(span.numSlots)-1-int(span.numUnprovisionedSlots), n)

	seen := map[uintptr]bool{first: true}
	for span.freelistHead != slotptr.Nil {
		addr, ok := span.popFreelist(r)
		require.True(t, ok)
		require.False(t, seen[addr], "freelist yielded duplicate slot %#x", addr)
		seen[addr] = true
	}
}

func TestPopFreelistOnCorruptedEntryFaults(t *testing.T) {
	r := newTestRoot(t)
	b := &r.buckets[sizeToBucketIndex(64)]
	sp, firstIndex, err := r.reserveSpanPages(1)
	require.NoError(t, err)

	payloadStart := sp.base + uintptr(firstIndex)*PartitionPageSize
	span := &SlotSpan{
		bucket:       b,
		payloadStart: payloadStart,
		payloadEnd:   payloadStart + uintptr(b.slotsPerSpan)*b.slotSize,
	}
	// An encoded value that decodes outside the span's payload must fault.
	span.freelistHead = slotptr.Transform(payloadStart - PartitionPageSize)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		ierr, ok := rec.(*IntegrityError)
		require.True(t, ok)
		assert.Equal(t, "FreelistCorruption", ierr.Kind)
	}()
	span.popFreelist(r)
}
