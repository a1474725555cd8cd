package partition

import "github.com/voidforge/partitionalloc/internal/slotptr"

// allocFromBucketLocked implements §4.2's slow path in full: try the active
// span's freelist, reclassify spans if the active one is exhausted, pull an
// empty or decommitted span back into service, and failing all of that,
// carve a brand new slot span out of the super-page cursor. Caller holds
// r.lock.
func (b *Bucket) allocFromBucketLocked() (uintptr, error) {
	if s := b.setNewActivePage(); s != nil {
		return s.allocateOneSlot(b.root), nil
	}

	if s := b.popEmptyFront(); s != nil {
		b.pushActiveFront(s)
		return s.allocateOneSlot(b.root), nil
	}

	if s := b.popDecommittedFront(); s != nil {
		if err := b.root.recommitSpan(s); err != nil {
			b.pushDecommittedFront(s)
			return 0, err
		}
		b.pushActiveFront(s)
		return s.allocateOneSlot(b.root), nil
	}

	s, err := b.root.allocateNewSpan(b)
	if err != nil {
		return 0, err
	}
	b.pushActiveFront(s)
	return s.allocateOneSlot(b.root), nil
}

// allocFromBucketLocked on Root is the thin entry point root.go calls; kept
// here so the bucket-list walking logic stays next to Bucket's other
// methods.
func (r *Root) allocFromBucketLocked(b *Bucket) (uintptr, error) {
	return b.allocFromBucketLocked()
}

// allocateOneSlot pops the freelist if usable, else lazily provisions from
// the unprovisioned tail (§4.2 steps 2-3).
func (s *SlotSpan) allocateOneSlot(r *Root) uintptr {
	if addr, ok := s.popFreelist(r); ok {
		s.numAllocatedSlots++
		return addr
	}
	return s.allocAndFillFreelist()
}

// allocateNewSpan carves a fresh slot span for bucket b out of the current
// super page (reserving a new one if needed), per §4.2 slow-path step 5 and
// §4.3.
func (r *Root) allocateNewSpan(b *Bucket) (*SlotSpan, error) {
	numPages := (int(b.numSystemPagesPerSlotSpan) + systemPagesPerPartitionPage - 1) / systemPagesPerPartitionPage
	if numPages == 0 {
		numPages = 1
	}
	sp, firstIndex, err := r.reserveSpanPages(numPages)
	if err != nil {
		return nil, err
	}

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
	for i := 0; i < numPages; i++ {
		sp.pages[firstIndex+i].span = span
		sp.pages[firstIndex+i].pageOffset = uint16(i)
	}
	return span, nil
}

// freeSlotLocked implements §4.6 steps 5-7: double-free check, push onto
// the span's freelist, and the full/active/empty/decommitted transition
// table. Caller holds r.lock.
//
// A span that is full but still attached as its bucket's active head (the
// ordinary state right after the slot that fills it is handed out) must
// never be pushed onto the active list again -- it is already there. Only a
// span setNewActivePage has actually detached and negated is "was full" in
// the sense that matters here, and that state is exactly
// numAllocatedSlots < 0, not the isFull() predicate (which is also true for
// the still-attached case and would make pushActiveFront point a span at
// itself).
func (r *Root) freeSlotLocked(span *SlotSpan, slotAddr uintptr) {
	if span.freelistHead != slotptr.Nil && slotptr.Transform(span.freelistHead) == slotAddr {
		r.fault("DoubleFree", nil, "slot %#x is already the freelist head", slotAddr)
	}

	span.pushFreelist(slotAddr)

	if span.numAllocatedSlots < 0 {
		span.numAllocatedSlots = -span.numAllocatedSlots - 1
		span.bucket.pushActiveFront(span)
		if span.bucket.numFullSpans > 0 {
			span.bucket.numFullSpans--
		}
	} else {
		span.numAllocatedSlots--
	}

	if span.isEmpty() {
		r.transitionToEmpty(span)
	}
}

// transitionToEmpty implements §4.6's empty-span ring: move span onto the
// bucket's empty list and push it through the root's fixed-size
// recently-emptied ring, decommitting whatever falls out the far end.
func (r *Root) transitionToEmpty(span *SlotSpan) {
	if span.bucket.activeHead == span {
		span.bucket.setNewActivePage()
	}
	if evicted := r.emptyRing[r.emptyRingIndex]; evicted != nil && evicted != span && evicted.isEmpty() {
		r.decommitEmptySpan(evicted)
	}
	r.emptyRing[r.emptyRingIndex] = span
	r.emptyRingIndex = (r.emptyRingIndex + 1) % emptyRingSize
}

// decommitEmptySpan implements the eviction side of the empty-span ring:
// give the slot span's pages back to the OS and move it to the
// decommitted list, per §4.6.
func (r *Root) decommitEmptySpan(span *SlotSpan) {
	b := span.bucket
	// Unlink from whichever list currently holds it: the empty list, or the
	// active list when the span emptied without being the active head.
	switch {
	case b.emptyHead == span:
		b.emptyHead = span.next
	case b.activeHead == span:
		b.activeHead = span.next
	default:
		for _, cur := range []*SlotSpan{b.emptyHead, b.activeHead} {
			for ; cur != nil; cur = cur.next {
				if cur.next == span {
					cur.next = span.next
					break
				}
			}
		}
	}

	size := uintptr(b.numSystemPagesPerSlotSpan) * SystemPageSize
	if err := decommitSpanPages(span); err != nil {
		r.log.WithError(err).Warn("decommitting empty span failed")
	} else {
		r.committedBytes -= size
	}

	span.freelistHead = slotptr.Nil
	span.numUnprovisionedSlots = 0
	span.next = nil
	b.pushDecommittedFront(span)
}

// recommitSpan re-commits a previously decommitted span's pages and resets
// its bookkeeping so it can serve allocations again, per §4.6's "reuse a
// decommitted span".
func (r *Root) recommitSpan(span *SlotSpan) error {
	if err := recommitSpanPages(span); err != nil {
		return err
	}
	r.committedBytes += uintptr(span.bucket.numSystemPagesPerSlotSpan) * SystemPageSize
	span.freelistHead = slotptr.Nil
	span.numAllocatedSlots = 0
	span.numUnprovisionedSlots = span.bucket.slotsPerSpan
	return nil
}
