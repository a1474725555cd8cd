package partition

import (
	"github.com/voidforge/partitionalloc/internal/pagemap"
)

// DirectMapExtent is §4.5's record for an allocation that bypasses the
// bucket system entirely: its own super-page-aligned mapping, sized to the
// request rounded up to a system page, with guard pages front and back just
// like a bucketed super page.
//
// Grounded on runtime/mheap.go's large-object path (objects bigger than the
// largest size class get their own span straight from the page heap rather
// than going through an mcentral), generalized to real per-allocation mmap
// reservations since this module has no single contiguous arena to carve
// large objects out of.
type DirectMapExtent struct {
	root *Root
	prev *DirectMapExtent
	next *DirectMapExtent

	bucket *Bucket   // synthetic, non-shared bucket: isDirectMap=true, isReal=true.
	span   *SlotSpan // single slot spanning the whole mapping.

	mapSize  uintptr // the full reservation, guards included.
	capacity uintptr // payload bytes available between the two guard pages.
}

// roundUpDirectMapSize rounds rawSize up to the nearest system page, per
// §4.5 step 1.
func roundUpDirectMapSize(rawSize uintptr) uintptr {
	return (rawSize + SystemPageSize - 1) &^ (SystemPageSize - 1)
}

// directMap implements §4.5: reserve a super page-aligned extent sized to
// hold rawSize plus its own metadata guard pages, commit exactly the
// payload, and link it into the root's direct-map list.
func (r *Root) directMap(rawSize uintptr) (*DirectMapExtent, error) {
	slotSize := roundUpDirectMapSize(rawSize)

	// Same front/back reserved regions as a bucketed super page, so that
	// spanForPointer resolves the payload's partition pages uniformly.
	guardPages := uintptr(firstPayloadPageIndex + trailingGuardPages)
	reserveSize := (slotSize + guardPages*PartitionPageSize + SuperPageSize - 1) &^ (SuperPageSize - 1)

	r.lock.Lock()
	defer r.lock.Unlock()

	base, err := pagemap.Reserve(0, reserveSize, SuperPageSize)
	if err != nil {
		return nil, wrapf(ErrOutOfMemory, "reserving a %d-byte direct map: %v", reserveSize, err)
	}

	if err := pagemap.SetAccess(base, firstPayloadPageIndex*PartitionPageSize, pagemap.Inaccessible); err != nil {
		return nil, wrapf(ErrOutOfMemory, "protecting leading guard: %v", err)
	}
	trailBase := base + reserveSize - PartitionPageSize
	if err := pagemap.SetAccess(trailBase, PartitionPageSize, pagemap.Inaccessible); err != nil {
		return nil, wrapf(ErrOutOfMemory, "protecting trailing guard: %v", err)
	}

	payloadBase := base + firstPayloadPageIndex*PartitionPageSize
	if err := pagemap.Commit(payloadBase, slotSize, pagemap.ReadWrite); err != nil {
		return nil, wrapf(ErrOutOfMemory, "committing direct-map payload: %v", err)
	}

	bucket := &Bucket{root: r, index: sentinelBucketIndex, slotSize: slotSize, isReal: true, isDirectMap: true, slotsPerSpan: 1}
	span := &SlotSpan{
		bucket:                bucket,
		numAllocatedSlots:     1,
		numSlots:              1,
		emptyCacheIndex:       emptyCacheIndexNone,
		payloadStart:          payloadBase,
		payloadEnd:            payloadBase + slotSize,
	}
	bucket.activeHead = span

	sp := &superPageMeta{root: r, base: base}
	superPageRegistry.Store(base, sp)
	// Every partition page the payload touches must resolve back to this
	// span; a direct map's payload can span more than one partition page,
	// unlike a bucketed slot span which is capped at maxSlotSpanPartitionPages.
	firstPage := int((payloadBase - base) / PartitionPageSize)
	lastPage := int((slotSize + PartitionPageSize - 1) / PartitionPageSize)
	for i := 0; i < lastPage && firstPage+i < partitionPagesPerSuperPage; i++ {
		sp.pages[firstPage+i] = partitionPageMeta{span: span, pageOffset: uint16(i)}
	}
	span.superPage = sp
	span.firstPageIndex = firstPage

	ext := &DirectMapExtent{root: r, bucket: bucket, span: span, mapSize: reserveSize, capacity: reserveSize - guardPages*PartitionPageSize}
	ext.next = r.directMapHead
	if r.directMapHead != nil {
		r.directMapHead.prev = ext
	}
	r.directMapHead = ext

	r.reservedDirectMapBytes += reserveSize
	r.committedBytes += slotSize

	return ext, nil
}

// freeDirectMap implements §4.5's teardown: unlink the extent and release
// its entire reservation back to the OS in one shot (no empty-span caching
// for direct maps, per §4.5's "freed immediately, never cached").
func (r *Root) freeDirectMap(span *SlotSpan) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ext := r.findDirectMapExtent(span)
	if ext == nil {
		r.fault("WildPointerOnFree", nil, "direct-mapped span %p has no matching extent record", span)
	}

	if ext.prev != nil {
		ext.prev.next = ext.next
	} else {
		r.directMapHead = ext.next
	}
	if ext.next != nil {
		ext.next.prev = ext.prev
	}

	superPageRegistry.Delete(span.superPage.base)
	if err := pagemap.Release(span.superPage.base, ext.mapSize); err != nil {
		r.log.WithField("base", span.superPage.base).WithError(err).Warn("releasing direct map failed")
	}

	r.reservedDirectMapBytes -= ext.mapSize
	r.committedBytes -= ext.bucket.slotSize
}

func (r *Root) findDirectMapExtent(span *SlotSpan) *DirectMapExtent {
	for e := r.directMapHead; e != nil; e = e.next {
		if e.span == span {
			return e
		}
	}
	return nil
}

// directMapShrinkThresholdNum/Den is §4.5's 80% shrink threshold: a shrink
// to below 80% of the old size is not done in place, so a small allocation
// does not keep holding a large reservation.
const (
	directMapShrinkThresholdNum = 4
	directMapShrinkThresholdDen = 5
)

// reallocDirectMappedInPlace implements §4.5/§7's realloc-in-place attempt:
// growing recommits additional pages within the extent's existing
// reservation when there is room, and shrinking to at least 80% of the old
// size keeps the same pointer and decommits the freed tail. Returns
// ErrDirectMapReallocImpossible when the grow would not fit in the existing
// reservation or the shrink goes below the 80% threshold, so the caller can
// fall back to alloc-copy-free.
func (r *Root) reallocDirectMappedInPlace(span *SlotSpan, newRawSize uintptr) error {
	newSlotSize := roundUpDirectMapSize(newRawSize)

	r.lock.Lock()
	defer r.lock.Unlock()

	ext := r.findDirectMapExtent(span)
	if ext == nil {
		return ErrDirectMapReallocImpossible
	}

	oldSlotSize := span.bucket.slotSize
	if newSlotSize == oldSlotSize {
		return nil
	}

	if newSlotSize > oldSlotSize {
		if newSlotSize > ext.capacity {
			return ErrDirectMapReallocImpossible
		}
		growBase := span.payloadStart + oldSlotSize
		growSize := newSlotSize - oldSlotSize
		if err := pagemap.Recommit(growBase, growSize, pagemap.ReadWrite); err != nil {
			return ErrDirectMapReallocImpossible
		}
		r.committedBytes += growSize
		span.bucket.slotSize = newSlotSize
		span.payloadEnd = span.payloadStart + newSlotSize
		return nil
	}

	if newSlotSize*directMapShrinkThresholdDen < oldSlotSize*directMapShrinkThresholdNum {
		return ErrDirectMapReallocImpossible
	}
	shrinkBase := span.payloadStart + newSlotSize
	shrinkSize := oldSlotSize - newSlotSize
	if err := pagemap.Decommit(shrinkBase, shrinkSize); err != nil {
		return ErrDirectMapReallocImpossible
	}
	r.committedBytes -= shrinkSize
	span.bucket.slotSize = newSlotSize
	span.payloadEnd = span.payloadStart + newSlotSize
	return nil
}
