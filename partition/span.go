package partition

import (
	"unsafe"

	"github.com/voidforge/partitionalloc/internal/slotptr"
)

// SlotSpan is the per-run-of-partition-pages record from §3: a contiguous
// run of 1-N partition pages inside one super page, carved into equal slots
// of one bucket's size.
//
// Grounded on runtime/mheap.go's mspan (same role: a run of pages carved
// for one size class, linked into one of a small number of lists, with a
// freelist of free objects) and runtime/mcentral.go's per-size-class span
// bookkeeping.
type SlotSpan struct {
	bucket *Bucket
	next   *SlotSpan // intrusive list link; exactly one of active/empty/decommitted, or detached (full).

	// freelistHead is the *encoded* address of the first free slot, or
	// slotptr.Nil. Encoding applies uniformly to this field and to the
	// "next" word stored inside every free slot (§3, §9).
	freelistHead uintptr

	// numAllocatedSlots follows §3 exactly: positive while not full, zero
	// while empty or decommitted, negated while full and detached.
	numAllocatedSlots int32

	numUnprovisionedSlots uint16
	numSlots              uint16 // == bucket.slotsPerSpan, cached for convenience.

	emptyCacheIndex int16 // always emptyCacheIndexNone; ring membership is tracked only in Root.emptyRing.

	payloadStart uintptr
	payloadEnd   uintptr // exclusive

	superPage      *superPageMeta
	firstPageIndex int // index of this span's first partition page within superPage.
}

const emptyCacheIndexNone = -1

func (s *SlotSpan) slotSize() uintptr { return s.bucket.slotSize }

func (s *SlotSpan) hasUsableFreelist() bool {
	return s.numAllocatedSlots > 0 && (s.freelistHead != slotptr.Nil || s.numUnprovisionedSlots > 0)
}

func (s *SlotSpan) isEmpty() bool {
	return s.numAllocatedSlots == 0 && s.freelistHead != slotptr.Nil
}

func (s *SlotSpan) isDecommitted() bool {
	return s.numAllocatedSlots == 0 && s.freelistHead == slotptr.Nil && s.numUnprovisionedSlots == 0
}

func (s *SlotSpan) isFull() bool {
	return s.numAllocatedSlots > 0 && s.freelistHead == slotptr.Nil && s.numUnprovisionedSlots == 0
}

// freelistLen walks the freelist to count it; only used by tests, never on
// the hot path (§8 P2).
func (s *SlotSpan) freelistLen(r *Root) int {
	n := 0
	cur := s.freelistHead
	for cur != slotptr.Nil {
		addr := slotptr.Transform(cur)
		if addr < s.payloadStart || addr >= s.payloadEnd {
			r.fault("FreelistCorruption", nil, "freelist entry %#x outside span payload [%#x,%#x)", addr, s.payloadStart, s.payloadEnd)
		}
		n++
		cur = readEncodedNext(addr)
	}
	return n
}

func readEncodedNext(slotAddr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(slotAddr))
}

func writeEncodedNext(slotAddr uintptr, encoded uintptr) {
	*(*uintptr)(unsafe.Pointer(slotAddr)) = encoded
}

// popFreelist pops the head of the span's freelist, validating it lies
// inside the span's payload (§7 FreelistCorruption). Caller holds whatever
// lock is appropriate (root lock on the slow path; none needed when a
// thread cache already owns the slot exclusively).
func (s *SlotSpan) popFreelist(r *Root) (uintptr, bool) {
	head := s.freelistHead
	if head == slotptr.Nil {
		return 0, false
	}
	addr := slotptr.Transform(head)
	if addr < s.payloadStart || addr >= s.payloadEnd || (addr-s.payloadStart)%s.slotSize() != 0 {
		r.fault("FreelistCorruption", nil, "freelist head %#x is not a valid slot of span [%#x,%#x) size %d", addr, s.payloadStart, s.payloadEnd, s.slotSize())
	}
	s.freelistHead = readEncodedNext(addr)
	return addr, true
}

// pushFreelist pushes slotAddr onto the head of the span's freelist.
func (s *SlotSpan) pushFreelist(slotAddr uintptr) {
	writeEncodedNext(slotAddr, s.freelistHead)
	s.freelistHead = slotptr.Transform(slotAddr)
}

// allocAndFillFreelist implements §4.2's AllocAndFillFreelist: reserve the
// next slot as the returned allocation, and lazily provision freelist
// entries for the unprovisioned tail up to the end of the system page that
// contains the first new entry (or the end of the span), whichever is
// smaller. Must be called with the root lock held; s must have no usable
// freelist and numUnprovisionedSlots > 0.
func (s *SlotSpan) allocAndFillFreelist() uintptr {
	if s.freelistHead != slotptr.Nil {
		panic("partition: allocAndFillFreelist called on a span with a non-empty freelist")
	}
	size := s.slotSize()
	returned := s.payloadStart + uintptr(s.numAllocatedSlots)*size
	s.numAllocatedSlots++
	s.numUnprovisionedSlots--

	if s.numUnprovisionedSlots == 0 {
		return returned
	}

	firstFreelistSlot := returned + size
	pageEnd := (firstFreelistSlot + SystemPageSize) &^ (SystemPageSize - 1)
	limit := pageEnd
	if s.payloadEnd < limit {
		limit = s.payloadEnd
	}

	// How many more slots fit before the end of the first not-yet-touched
	// system page (or the end of the span)? Provisioning only that many
	// keeps the rest of the span's pages untouched, per §4.2's "minimizing
	// dirty private pages when fewer than the full span are actually used".
	maxByPage := (limit - firstFreelistSlot) / size
	n := uint16(maxByPage)
	if n > s.numUnprovisionedSlots {
		n = s.numUnprovisionedSlots
	}

	// Link highest address first so the final push leaves freelistHead
	// pointing at the lowest (first-provisioned) address, with each slot's
	// stored "next" decoding to the slot immediately after it and the
	// highest slot's next decoding to nil.
	for i := int(n) - 1; i >= 0; i-- {
		s.pushFreelist(firstFreelistSlot + uintptr(i)*size)
	}
	s.numUnprovisionedSlots -= n
	return returned
}
