package partition

import (
	"sync"

	"github.com/voidforge/partitionalloc/internal/pagemap"
)

// Super-page layout (§3): by partition-page offset,
//   [guard | metadata | guard | guard] [slot spans ...] [guard]
// The first metadataPartitionPages partition pages and the final one are
// never handed out as slot-span payload. Re-architecture note (§9
// "Metadata pointer arithmetic"): this Go port does not store
// SuperPageExtentEntry/PartitionPage records inside that reserved region as
// the C++ original does — it keeps them as ordinary Go heap objects indexed
// by super-page base address, confined to this file and superPageMeta. The
// reserved front/back partition pages are still really mapped PROT_NONE, so
// the guard-page fault-on-touch security property is unchanged; only the
// bookkeeping that would have lived *inside* them moved to the Go heap.
const (
	metadataPartitionPages = 4 // guard | metadata | guard | guard
	firstPayloadPageIndex  = metadataPartitionPages
	trailingGuardPages     = 1
	lastPayloadPageIndex   = partitionPagesPerSuperPage - trailingGuardPages // exclusive
	payloadPagesPerSuper   = lastPayloadPageIndex - firstPayloadPageIndex
)

// partitionPageMeta is the per-partition-page metadata slot of §3: the
// first page of a span owns the canonical *SlotSpan; every other page in
// the span stores pageOffset so an interior pointer normalizes back to it.
type partitionPageMeta struct {
	span       *SlotSpan
	pageOffset uint16
}

// superPageMeta is the Go-heap stand-in for §3's super page: one per 2 MiB
// reservation, holding the partition-page metadata array and (when
// quarantine is enabled on the owning root) the PCScan bitmaps and card
// table for this super page.
type superPageMeta struct {
	root *Root
	base uintptr

	pages [partitionPagesPerSuperPage]partitionPageMeta

	// PCScan state (§4.8); nil unless the owning root has quarantine
	// enabled. Lives here because the bitmaps are indexed per super page.
	mutatorBitmap *quarantineBitmap
	scannerBitmap *quarantineBitmap
	cardTable     []byte // one byte per super page-sized card; see pcscan_bitmap.go.
}

// superPageRegistry maps a super-page-aligned base address to its metadata.
// It is process-global (not per-root) because §4.6 step 3-4 derives the
// owning root *from* the pointer being freed, before the caller has told us
// which root to use.
var superPageRegistry sync.Map // uintptr -> *superPageMeta

func lookupSuperPage(base uintptr) (*superPageMeta, bool) {
	v, ok := superPageRegistry.Load(base)
	if !ok {
		return nil, false
	}
	return v.(*superPageMeta), true
}

func superPageBaseOf(ptr uintptr) uintptr {
	return ptr &^ (SuperPageSize - 1)
}

// spanForPointer implements §4.6 steps 3-4: derive the slot span metadata
// (and, transitively, the owning root) from an interior pointer. It returns
// (nil, nil, false) if ptr does not fall inside any super page this process
// knows about -- the caller must treat that as WildPointerOnFree.
func spanForPointer(ptr uintptr) (*SlotSpan, *Root, bool) {
	base := superPageBaseOf(ptr)
	sp, ok := lookupSuperPage(base)
	if !ok {
		return nil, nil, false
	}
	offset := ptr - base
	pageIndex := int(offset / PartitionPageSize)
	if pageIndex < firstPayloadPageIndex || pageIndex >= lastPayloadPageIndex {
		return nil, nil, false
	}
	meta := &sp.pages[pageIndex]
	firstIndex := pageIndex - int(meta.pageOffset)
	if firstIndex < firstPayloadPageIndex || firstIndex >= lastPayloadPageIndex {
		return nil, nil, false
	}
	span := sp.pages[firstIndex].span
	if span == nil {
		return nil, nil, false
	}
	root := sp.root
	if root.invertedSelf != ^uintptr(ptrOf(root)) {
		root.fault("WildPointerOnFree", nil, "root integrity value mismatch while resolving %#x", ptr)
	}
	return span, root, true
}

// acquireSuperPage reserves a fresh 2 MiB super page, protects its guard
// regions, and registers it. Must be called with the root lock held (§4.3).
func (r *Root) acquireSuperPage() (*superPageMeta, error) {
	hint := r.nextSuperPage
	base, err := pagemap.Reserve(hint, SuperPageSize, SuperPageSize)
	if err != nil {
		return nil, wrapf(ErrOutOfMemory, "reserving a super page: %v", err)
	}
	if hint != 0 && base == hint {
		r.nextSuperPage = base + SuperPageSize
	} else {
		// Non-contiguous reservation: reset the cursor so the next attempt
		// requests a fresh address from the OS, per §4.3.
		r.nextSuperPage = 0
	}

	guardSize := uintptr(metadataPartitionPages) * PartitionPageSize
	if err := pagemap.SetAccess(base, guardSize, pagemap.Inaccessible); err != nil {
		return nil, wrapf(ErrOutOfMemory, "protecting leading guard: %v", err)
	}
	trailBase := base + uintptr(lastPayloadPageIndex)*PartitionPageSize
	trailSize := uintptr(trailingGuardPages) * PartitionPageSize
	if err := pagemap.SetAccess(trailBase, trailSize, pagemap.Inaccessible); err != nil {
		return nil, wrapf(ErrOutOfMemory, "protecting trailing guard: %v", err)
	}

	sp := &superPageMeta{root: r, base: base}
	superPageRegistry.Store(base, sp)
	r.superPages = append(r.superPages, sp)

	r.reservedSuperPageBytes += SuperPageSize
	if r.quarantineEnabled() {
		r.enableQuarantineFor(sp)
	}
	return sp, nil
}

// reserveSpanPages carves numPages fresh partition pages for a new slot
// span out of the current super page cursor, reserving a new super page if
// the current one is exhausted (§4.2 slow-path step 5, §4.3).
func (r *Root) reserveSpanPages(numPages int) (*superPageMeta, int, error) {
	if r.curSuperPage == nil || r.curPageIndex+numPages > lastPayloadPageIndex {
		sp, err := r.acquireSuperPage()
		if err != nil {
			return nil, 0, err
		}
		r.curSuperPage = sp
		r.curPageIndex = firstPayloadPageIndex
	}
	sp := r.curSuperPage
	firstIndex := r.curPageIndex
	r.curPageIndex += numPages

	base := sp.base + uintptr(firstIndex)*PartitionPageSize
	size := uintptr(numPages) * PartitionPageSize
	if err := pagemap.Commit(base, size, pagemap.ReadWrite); err != nil {
		return nil, 0, wrapf(ErrOutOfMemory, "committing %d partition pages: %v", numPages, err)
	}
	r.committedBytes += size

	for i := 0; i < numPages; i++ {
		sp.pages[firstIndex+i].pageOffset = uint16(i)
	}
	return sp, firstIndex, nil
}

func ptrOf(r *Root) uintptr {
	return uintptr(rootAddr(r))
}
