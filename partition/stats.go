package partition

import "sync/atomic"

// BucketStats is one bucket's snapshot for DumpStats (§6).
type BucketStats struct {
	SlotSize          uintptr
	ActiveSpanCount   int
	EmptySpanCount    int
	DecommittedCount  int
	NumFullSpans      uint16
	AllocatedSlots    int64
}

// RootStats is the snapshot DumpStats hands to its callback, per §6's
// "dump_stats(callback)".
type RootStats struct {
	Name                   string
	CommittedBytes         uintptr
	ReservedSuperPageBytes uintptr
	ReservedDirectMapBytes uintptr
	QuarantinedBytes       int64
	QuarantinedSlots       int64
	Buckets                []BucketStats
}

// DumpStats gathers a consistent snapshot under the root lock and hands it
// to fn, per §6. Grounded on runtime/mstats-style "stop the world, copy the
// counters, hand them to the caller" dumps, scaled down to one mutex
// instead of a full STW.
func (r *Root) DumpStats(fn func(RootStats)) {
	r.lock.Lock()
	stats := RootStats{
		Name:                   r.name,
		CommittedBytes:         r.committedBytes,
		ReservedSuperPageBytes: r.reservedSuperPageBytes,
		ReservedDirectMapBytes: r.reservedDirectMapBytes,
		QuarantinedBytes:       atomic.LoadInt64(&r.pcscan.quarantinedBytes),
		QuarantinedSlots:       atomic.LoadInt64(&r.pcscan.quarantinedSlots),
	}
	for i := 0; i < numBuckets; i++ {
		b := &r.buckets[i]
		if !b.isReal {
			continue
		}
		bs := BucketStats{SlotSize: b.slotSize, NumFullSpans: b.numFullSpans}
		for s := b.activeHead; s != nil; s = s.next {
			bs.ActiveSpanCount++
			bs.AllocatedSlots += int64(abs32(s.numAllocatedSlots))
		}
		for s := b.emptyHead; s != nil; s = s.next {
			bs.EmptySpanCount++
		}
		for s := b.decommittedHead; s != nil; s = s.next {
			bs.DecommittedCount++
		}
		stats.Buckets = append(stats.Buckets, bs)
	}
	r.lock.Unlock()

	fn(stats)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// PurgeMemory implements §6: decommit empty spans and/or discard unused
// system pages within partially-used spans, plus draining thread caches
// back to their owning buckets so their held slots become purgeable too.
func (r *Root) PurgeMemory(flags PurgeFlags) {
	if r.withThreadCache {
		r.purgeAllThreadCaches()
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if flags&PurgeDecommitEmptySpans != 0 {
		for i := 0; i < numBuckets; i++ {
			b := &r.buckets[i]
			for s := b.popEmptyFront(); s != nil; s = b.popEmptyFront() {
				r.decommitEmptySpan(s)
			}
		}
		for i := range r.emptyRing {
			r.emptyRing[i] = nil
		}
	}

	if flags&PurgeDiscardUnusedSystemPages != 0 {
		for i := 0; i < numBuckets; i++ {
			b := &r.buckets[i]
			for s := b.activeHead; s != nil; s = s.next {
				discardTrailingUnprovisioned(s)
			}
		}
	}
}

// discardTrailingUnprovisioned advises the OS to reclaim pages in a span's
// still-unprovisioned tail, per §6's "discard unused system pages".
func discardTrailingUnprovisioned(s *SlotSpan) {
	if s.numUnprovisionedSlots == 0 {
		return
	}
	start := s.payloadStart + uintptr(s.numSlots-s.numUnprovisionedSlots)*s.slotSize()
	pageStart := (start + SystemPageSize - 1) &^ (SystemPageSize - 1)
	if pageStart >= s.payloadEnd {
		return
	}
	_ = discardPages(pageStart, s.payloadEnd-pageStart)
}
