package partition

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// AllocFlags is the bitmask from §6: "root.alloc_flags(flags, size, ...)".
type AllocFlags uint8

const (
	FlagReturnNull AllocFlags = 1 << iota
	FlagNoHooks
	FlagZeroFill
)

// PurgeFlags is the bitmask accepted by Root.PurgeMemory (§6).
type PurgeFlags uint8

const (
	PurgeDecommitEmptySpans PurgeFlags = 1 << iota
	PurgeDiscardUnusedSystemPages
)

// Root is the partition root of §3: bookkeeping, bucket array, size lookup,
// super-page cursor, direct-map list, empty-span ring, and the lock that
// guards all of it.
//
// Grounded on runtime/mheap.go's mheap (the analogous "owns everything"
// singleton in the Go runtime) generalized from one fixed global heap per
// process to one Root per caller-defined partition.
type Root struct {
	name string
	log  *logrus.Entry

	config Config

	lock sync.Mutex

	buckets [numBuckets + 1]Bucket // last entry is the sentinel bucket.

	committedBytes          uintptr
	reservedSuperPageBytes  uintptr
	reservedDirectMapBytes  uintptr

	curSuperPage *superPageMeta
	curPageIndex int

	superPages []*superPageMeta // enumeration for PCScan snapshot and tests.

	directMapHead *DirectMapExtent

	emptyRing      [emptyRingSize]*SlotSpan
	emptyRingIndex int

	nextSuperPage uintptr

	invertedSelf uintptr

	withThreadCache bool
	tcPool          sync.Pool
	tcRegistry      sync.Map // *threadCache -> struct{}
	tcLock          sync.Mutex

	hooks rootHooks

	pcscan pcscanState
}

// NewRoot constructs and initializes a partition root, per §6's
// "Configuration at root init". Only 64-bit platforms are supported (§4's
// Open Question on the card-table scheme is resolved in favor of the
// 64-bit, one-byte-per-super-page design throughout this module).
func NewRoot(cfg Config) (*Root, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Root{name: cfg.Name, config: cfg}
	r.log = newLogger(cfg.Name)
	r.invertedSelf = ^rootAddr(r)
	r.emptyRingIndex = 0
	for i := range r.emptyRing {
		r.emptyRing[i] = nil
	}

	for i := 0; i < numBuckets; i++ {
		r.buckets[i].root = r
		r.buckets[i].initReal(i, bucketSizes[i])
	}
	r.buckets[numBuckets].root = r
	r.buckets[numBuckets].index = numBuckets
	r.buckets[numBuckets].isSentinel = true

	r.withThreadCache = cfg.ThreadCache == ThreadCacheEnabled
	if r.withThreadCache {
		r.tcPool.New = func() interface{} {
			tc := newThreadCache(r)
			r.tcRegistry.Store(tc, struct{}{})
			return tc
		}
	}

	r.pcscan.root = r
	r.pcscan.state = pcscanNotRunning
	if cfg.Quarantine == QuarantineAllowed {
		r.pcscan.threshold = defaultQuarantineThresholdBytes
	}

	return r, nil
}

func rootAddr(r *Root) uintptr {
	return uintptr(unsafe.Pointer(r))
}

func (r *Root) quarantineEnabled() bool {
	return r.config.Quarantine == QuarantineAllowed
}

// Alloc is the zero-flags convenience form of AllocFlags (§6).
func (r *Root) Alloc(size uintptr) (unsafe.Pointer, error) {
	return r.AllocFlags(0, size)
}

// AllocFlags implements §4.2's alloc contract end to end.
func (r *Root) AllocFlags(flags AllocFlags, size uintptr) (unsafe.Pointer, error) {
	rawSize := size + r.config.extrasSize()
	if rawSize < size { // overflow
		rawSize = ^uintptr(0)
	}
	if rawSize > MaxDirectMapped {
		return r.handleExcessiveSize(flags, size)
	}

	if flags&FlagNoHooks == 0 {
		if out, serviced := r.hooks.tryAllocOverride(flags, size); serviced {
			return out, nil
		}
	}

	slotAddr, slotSize, err := r.allocSlot(flags, rawSize)
	if err != nil {
		return nil, err
	}

	userAddr := slotAddr + r.config.extrasOffset()
	if flags&FlagZeroFill != 0 {
		zero(userAddr, size)
	}

	if flags&FlagNoHooks == 0 {
		r.hooks.fireAllocObserver(unsafe.Pointer(userAddr), size)
	}
	_ = slotSize
	return unsafe.Pointer(userAddr), nil
}

// allocSlot resolves rawSize to a bucket (or the direct-map path) and
// returns the slot's start address and its actual slot size.
func (r *Root) allocSlot(flags AllocFlags, rawSize uintptr) (uintptr, uintptr, error) {
	idx := sizeToBucketIndex(rawSize)
	if idx == sentinelBucketIndex {
		ext, err := r.directMap(rawSize)
		if err != nil {
			if flags&FlagReturnNull != 0 {
				return 0, 0, err
			}
			r.invokeOOM(rawSize, false)
		}
		return ext.span.payloadStart, ext.bucket.slotSize, nil
	}

	bucket := &r.buckets[idx]
	if r.withThreadCache && cacheable(bucket) {
		if tc := r.currentThreadCache(); tc != nil {
			if addr, ok := tc.pop(idx); ok {
				return addr, bucket.slotSize, nil
			}
		}
	}

	r.lock.Lock()
	addr, err := r.allocFromBucketLocked(bucket)
	r.lock.Unlock()
	if err != nil {
		if flags&FlagReturnNull != 0 {
			return 0, 0, err
		}
		r.invokeOOM(bucket.slotSize, false)
	}
	return addr, bucket.slotSize, nil
}

func (r *Root) handleExcessiveSize(flags AllocFlags, size uintptr) (unsafe.Pointer, error) {
	if flags&FlagReturnNull != 0 {
		return nil, ErrExcessiveAllocationSize
	}
	r.log.WithField("size", size).Error("excessive allocation size")
	r.invokeOOM(size, false)
	return nil, ErrExcessiveAllocationSize // unreachable if OnOutOfMemory honors its contract.
}

func zero(addr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	for i := range b {
		b[i] = 0
	}
}

// Free implements §4.6's free contract end to end.
func (r *Root) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)

	if serviced := r.hooks.tryFreeOverride(ptr); serviced {
		return
	}
	r.hooks.fireFreeObserver(ptr)

	slotAddr := addr - r.config.extrasOffset()
	span, owner, ok := spanForPointer(slotAddr)
	if !ok {
		r.fault("WildPointerOnFree", logrus.Fields{"addr": addr}, "pointer %#x does not belong to any known super page", addr)
	}
	if owner != r {
		r.fault("WildPointerOnFree", logrus.Fields{"addr": addr}, "pointer %#x belongs to a different partition root", addr)
	}

	if span.bucket.isDirectMap {
		r.freeDirectMap(span)
		return
	}

	if r.quarantineEnabled() {
		r.quarantineSlot(span, slotAddr)
		return
	}

	r.freeSlot(span, slotAddr)
}

// freeSlot is the non-quarantined free path (§4.6 steps 5-7): thread cache
// first, then the root-locked slow path.
func (r *Root) freeSlot(span *SlotSpan, slotAddr uintptr) {
	bucket := span.bucket
	if r.withThreadCache && cacheable(bucket) {
		if tc := r.currentThreadCache(); tc != nil {
			if tc.push(bucket.index, slotAddr) {
				return
			}
		}
	}
	r.lock.Lock()
	r.freeSlotLocked(span, slotAddr)
	r.lock.Unlock()
}

// ActualSize returns the slot size that would service a request of size,
// per §6.
func (r *Root) ActualSize(size uintptr) uintptr {
	rawSize := size + r.config.extrasSize()
	if rawSize > MaxBucketed {
		return roundUpDirectMapSize(rawSize) - r.config.extrasSize()
	}
	idx := sizeToBucketIndex(rawSize)
	return r.buckets[idx].slotSize - r.config.extrasSize()
}

// GetSize returns the user-visible size of ptr: the slot size minus extras
// (§6).
func (r *Root) GetSize(ptr unsafe.Pointer) uintptr {
	addr := uintptr(ptr) - r.config.extrasOffset()
	span, _, ok := spanForPointer(addr)
	if !ok {
		r.fault("WildPointerOnFree", nil, "GetSize on unknown pointer %#x", addr)
	}
	return span.bucket.slotSize - r.config.extrasSize()
}

// AlignedAlloc implements §6's aligned_alloc: alignment must be a power of
// two; incompatible with cookie/ref-count extras (enforced at NewRoot).
func (r *Root) AlignedAlloc(alignment, size uintptr) (unsafe.Pointer, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, wrapf(ErrInvalidConfig, "alignment %d is not a power of two", alignment)
	}
	if r.config.Alignment != AlignmentAlignedAllocCapable {
		return nil, wrapf(ErrInvalidConfig, "root %q was not configured for aligned allocation", r.name)
	}
	// A bucket's slot size is itself a power of two, or close enough for
	// our octave construction (§4.1), past alignment 64B; requesting the
	// smallest bucket whose size is a multiple of alignment and >= size
	// guarantees the natural alignment the caller asked for.
	need := size
	if alignment > need {
		need = alignment
	}
	for {
		idx := sizeToBucketIndex(need)
		if idx == sentinelBucketIndex {
			break
		}
		if r.buckets[idx].slotSize%alignment == 0 {
			return r.Alloc(r.buckets[idx].slotSize)
		}
		need = r.buckets[idx].slotSize + 1
	}
	ptr, err := r.Alloc(size)
	if err != nil {
		return nil, err
	}
	if uintptr(ptr)%alignment != 0 {
		r.Free(ptr)
		return nil, wrapf(ErrOutOfMemory, "could not satisfy alignment %d via direct map", alignment)
	}
	return ptr, nil
}
