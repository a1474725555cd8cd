package partition

import "sync/atomic"

// scanStackAndHeap implements §4.8 step 4's "scan phase": find every
// quarantined slot that a live object still points to.
//
// The C++ original additionally scans thread stacks and registers
// conservatively; a Go port cannot safely do that (goroutine stacks move
// and Go gives no portable, safe way to enumerate them from outside the
// runtime). This is a deliberate simplification, recorded as a design
// decision: scanning is heap-to-heap only, treating every pointer-aligned
// word of every live slot span as a candidate pointer, exactly the
// "treat word as pointer" conservative technique
// original_source/starscan uses for its own heap scan, just without the
// stack roots.
func (r *Root) scanStackAndHeap() map[uintptr]bool {
	reachable := make(map[uintptr]bool)
	for _, sp := range r.snapshotSuperPages() {
		if sp.scannerBitmap == nil {
			continue
		}
		r.scanSuperPageForPointers(sp, reachable)
	}
	return reachable
}

func (r *Root) scanSuperPageForPointers(sp *superPageMeta, reachable map[uintptr]bool) {
	seen := make(map[*SlotSpan]bool)
	for i := range sp.pages {
		span := sp.pages[i].span
		if span == nil || seen[span] || span.isEmpty() || span.isDecommitted() {
			continue
		}
		seen[span] = true
		scanSpanForPointers(r, span, reachable)
	}
}

func scanSpanForPointers(r *Root, span *SlotSpan, reachable map[uintptr]bool) {
	for addr := span.payloadStart; addr+pointerSize <= span.payloadEnd; addr += pointerSize {
		word := readEncodedNext(addr)
		target, root, ok := spanForPointer(word)
		if !ok || root != r {
			continue
		}
		qsp := target.superPage
		if qsp.scannerBitmap == nil {
			continue
		}
		slotSize := target.slotSize()
		slotBase := target.payloadStart + ((word - target.payloadStart) / slotSize * slotSize)
		if qsp.scannerBitmap.Test(qsp.base, slotBase) {
			reachable[slotBase] = true
		}
	}
}

// sweep implements §4.8 step 5: anything quarantined but not found
// reachable by the scan is actually freed; anything still reachable stays
// quarantined for the next cycle.
func (r *Root) sweep(reachable map[uintptr]bool) {
	r.lock.Lock()
	head := r.pcscan.quarantineList.next
	r.pcscan.quarantineList.next = nil
	r.lock.Unlock()

	var kept *quarantineEntry
	var freedBytes, freedSlots int64

	for e := head; e != nil; {
		next := e.next
		if reachable[e.addr] {
			// Re-mark in the mutator bitmap so the next scan's snapshot
			// still covers this slot.
			if sp := e.span.superPage; sp.mutatorBitmap != nil {
				sp.mutatorBitmap.Set(sp.base, e.addr)
			}
			e.next = kept
			kept = e
		} else {
			sp := e.span.superPage
			if sp.scannerBitmap != nil {
				sp.scannerBitmap.Clear(sp.base, e.addr)
			}
			r.lock.Lock()
			r.freeSlotLocked(e.span, e.addr)
			r.lock.Unlock()
			freedBytes += int64(e.span.slotSize())
			freedSlots++
		}
		e = next
	}

	r.lock.Lock()
	r.pcscan.quarantineList.next = kept
	r.lock.Unlock()

	atomic.AddInt64(&r.pcscan.quarantinedBytes, -freedBytes)
	atomic.AddInt64(&r.pcscan.quarantinedSlots, -freedSlots)
}
