package partition

// Bucket is the per-(root, size-class) record from §3: three linked lists
// of slot spans (active, empty, decommitted), the slot size, and the chosen
// system-page count per slot span.
//
// Grounded on runtime/mcentral.go + runtime/mheap.go's per-size-class
// central free lists (this module's teacher keeps one mcentral per size
// class exactly the way a Bucket is kept per size class here), generalized
// from the Go runtime's fixed ~70 size classes to §4.1's 136 classes plus
// one sentinel.
type Bucket struct {
	root *Root

	index    int
	slotSize uintptr
	isReal   bool // false for tolerated pseudo-buckets (§4.1); never active.

	numSystemPagesPerSlotSpan uint8
	slotsPerSpan              uint16

	numFullSpans uint16 // §3: spans detached because full; wraps at 1<<16.

	activeHead      *SlotSpan
	emptyHead       *SlotSpan
	decommittedHead *SlotSpan

	// isSentinel marks the one bucket (index == numBuckets) used to route
	// oversized requests to the direct-map path, per §4.1's "Sizes >
	// max_bucketed_order's largest slot map to the sentinel bucket".
	isSentinel bool

	// isDirectMap marks a synthetic, non-shared Bucket created by directMap
	// for a single oversized allocation (§4.5); never part of root.buckets.
	isDirectMap bool
}

func (b *Bucket) initReal(index int, slotSize uintptr) {
	b.index = index
	b.slotSize = slotSize
	b.isReal = slotSize%smallestBucket == 0
	if b.isReal {
		b.numSystemPagesPerSlotSpan = systemPagesPerSlotSpan(slotSize)
		spanBytes := uintptr(b.numSystemPagesPerSlotSpan) * SystemPageSize
		b.slotsPerSpan = uint16(spanBytes / slotSize)
	}
}

// popActive removes and returns the head of the active list, or nil if the
// list is empty.
func (b *Bucket) popActive() *SlotSpan {
	s := b.activeHead
	if s == nil {
		return nil
	}
	b.activeHead = s.next
	s.next = nil
	return s
}

func (b *Bucket) pushActiveFront(s *SlotSpan) {
	s.next = b.activeHead
	b.activeHead = s
}

func (b *Bucket) pushEmptyFront(s *SlotSpan) {
	s.next = b.emptyHead
	b.emptyHead = s
}

func (b *Bucket) popEmptyFront() *SlotSpan {
	s := b.emptyHead
	if s == nil {
		return nil
	}
	b.emptyHead = s.next
	s.next = nil
	return s
}

func (b *Bucket) pushDecommittedFront(s *SlotSpan) {
	s.next = b.decommittedHead
	b.decommittedHead = s
}

func (b *Bucket) popDecommittedFront() *SlotSpan {
	s := b.decommittedHead
	if s == nil {
		return nil
	}
	b.decommittedHead = s.next
	s.next = nil
	return s
}

// setNewActivePage implements §4.2 slow-path step 1: walk the active list,
// reclassifying spans until an active (usable) one is found or the list is
// exhausted. Must be called with the root lock held.
func (b *Bucket) setNewActivePage() *SlotSpan {
	for {
		s := b.activeHead
		if s == nil {
			return nil
		}
		switch {
		case s.hasUsableFreelist():
			return s
		case s.isEmpty():
			b.activeHead = s.next
			s.next = nil
			b.pushEmptyFront(s)
		case s.isDecommitted():
			b.activeHead = s.next
			s.next = nil
			b.pushDecommittedFront(s)
		case s.isFull():
			b.activeHead = s.next
			s.next = nil
			b.numFullSpans++
			if b.numFullSpans == 0 {
				b.root.fault("BucketOverflow", nil, "num_full_spans wrapped for bucket %d", b.index)
			}
			s.numAllocatedSlots = -s.numAllocatedSlots
		default:
			// Pending reclassification next scan, per §3's active-list
			// invariant's third clause; treat as usable for now.
			return s
		}
	}
}
