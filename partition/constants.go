package partition

import "math/bits"

// Sizing constants for the super-page / partition-page / slot-span hierarchy.
// All of them are expressed as multiples of SystemPageSize, a fixed 4 KiB
// constant (internal/pagemap probes the real page size separately).
const (
	// SystemPageSize is the OS commit/protect granularity this build targets.
	// Real deployments probe os.Getpagesize(); this module is built and
	// tested against the common 4 KiB page, matching §3's "typically 4 KiB".
	SystemPageSize = 4096

	// PartitionPageSize is the unit of slot-span length: a fixed multiple of
	// SystemPageSize (16 KiB here, per §3).
	PartitionPageSize = 16 * 1024

	// SuperPageSize is the unit of address-space reservation (2 MiB, per §3).
	SuperPageSize = 2 * 1024 * 1024

	systemPagesPerPartitionPage = PartitionPageSize / SystemPageSize
	partitionPagesPerSuperPage  = SuperPageSize / PartitionPageSize

	// maxSlotSpanPartitionPages is N from §3: "a contiguous run of 1-N
	// partition pages (N = 4 in this implementation)".
	maxSlotSpanPartitionPages = 4
	maxSystemPagesPerSlotSpan = maxSlotSpanPartitionPages * systemPagesPerPartitionPage

	// Indices of the first reserved partition page and of the trailing guard
	// page of a super page. superpage.go reserves metadataPartitionPages
	// leading pages and keeps all of them inaccessible; the metadata itself
	// lives on the Go heap.
	metadataPartitionPageIndex = 0
	guardPartitionPageIndex    = partitionPagesPerSuperPage - 1

	pointerSize = 8

	// smallestBucket is the smallest usable slot (§3: "the smallest usable
	// slot is 8 bytes") and the granularity every real (non-pseudo) bucket
	// size must be a multiple of.
	smallestBucket = 8

	numBucketsPerOrderBits = 3
	bucketsPerOrder        = 1 << numBucketsPerOrderBits // 8, per §4.1
	minBucketedOrder       = 4                            // smallest bucket 8 bytes, per §4.1
	maxBucketedOrder       = 20                            // per §4.1
	numBucketedOrders      = maxBucketedOrder - minBucketedOrder + 1
	numBuckets             = numBucketedOrders * bucketsPerOrder
	sentinelBucketIndex    = numBuckets

	bitsPerSizeT = 64

	// kMaxBucketed, per §1/§4.1: the largest bucketed slot, just under 1 MiB.
	MaxBucketed = 983040

	// MaxDirectMapped is kMaxDirectMapped from §3 (2 GiB), less a system
	// page of slack so the rounded-up reservation never wraps.
	MaxDirectMapped = 2*1024*1024*1024 - SystemPageSize

	// emptyRingSize is the partition root's "recently emptied" ring (§3, §4.6).
	emptyRingSize = 16

	// refillRatio governs thread-cache refill batches (§4.7).
	refillRatio = 4
)

// order returns floor(log2(size)) + 1, the "order" used throughout §4.1:
// the 1-indexed position of the highest set bit. order(0) == 0.
func order(size uintptr) uint {
	return uint(bits.Len(uint(size)))
}

// orderIndexShift and orderSubIndexMask implement the two helper functions
// from §4.1 step 3, grounded on partition_alloc.h's OrderIndexShift /
// OrderSubIndexMask (original_source/src/base/allocator/partition_allocator/partition_alloc.h:292-305).
func orderIndexShift(ord uint) uint {
	if ord < numBucketsPerOrderBits+1 {
		return 0
	}
	return ord - (numBucketsPerOrderBits + 1)
}

func orderSubIndexMask(ord uint) uintptr {
	if ord == bitsPerSizeT {
		return ^uintptr(0) >> (numBucketsPerOrderBits + 1)
	}
	return ((uintptr(1) << ord) - 1) >> (numBucketsPerOrderBits + 1)
}
