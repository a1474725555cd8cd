package partition

// Size-class construction: §4.1.
//
// Grounded on original_source/src/base/allocator/partition_allocator/partition_alloc.cc
// (PartitionRoot::Init, InitBucketIndexLookup) and partition_bucket.cc
// (PartitionBucket::get_system_pages_per_slot_span). The bucket array is
// filled in kNumBucketedOrders octaves of kNumBucketsPerOrder slots each,
// with a per-octave linear increment that doubles every octave; sizes that
// land on a non-multiple of smallestBucket are "pseudo-buckets" (§4.1) and
// are never reachable through the lookup table, only tolerated in the array
// to keep the fill loop uniform.

// bucketIndexLookup maps (order, orderIndex, subOrderIndex != 0) triples,
// flattened as in §4.1 step 4, to a real bucket index or sentinelBucketIndex.
var bucketIndexLookup [(bitsPerSizeT+1)*bucketsPerOrder + 1]uint16

// bucketSizes[i] is the slot size baked into buckets[i] at init, including
// pseudo-bucket sizes that are never returned by the lookup table.
var bucketSizes [numBuckets]uintptr

// bucketIsReal[i] reports whether buckets[i]'s slot size is a real,
// reachable bucket (a multiple of smallestBucket) as opposed to a tolerated
// pseudo-bucket (§4.1).
var bucketIsReal [numBuckets]bool

func init() {
	initBucketSizeTable()
	initBucketIndexLookup()
}

func initBucketSizeTable() {
	currentSize := uintptr(smallestBucket)
	currentIncrement := uintptr(smallestBucket) >> numBucketsPerOrderBits
	idx := 0
	for i := 0; i < numBucketedOrders; i++ {
		for j := 0; j < bucketsPerOrder; j++ {
			bucketSizes[idx] = currentSize
			bucketIsReal[idx] = currentSize%smallestBucket == 0
			currentSize += currentIncrement
			idx++
		}
		currentIncrement <<= 1
	}
	if currentSize != 1<<maxBucketedOrder {
		panic("partition: bucket size table did not terminate at 1<<maxBucketedOrder")
	}
}

func initBucketIndexLookup() {
	ptr := 0
	bucketIndex := 0
	for ord := 0; ord <= bitsPerSizeT; ord++ {
		for j := 0; j < bucketsPerOrder; j++ {
			switch {
			case ord < minBucketedOrder:
				// malloc(0) and other tiny requests use the finest bucket.
				bucketIndexLookup[ptr] = 0
			case ord > maxBucketedOrder:
				bucketIndexLookup[ptr] = sentinelBucketIndex
			default:
				valid := bucketIndex
				for !bucketIsReal[valid] {
					valid++
				}
				bucketIndexLookup[ptr] = uint16(valid)
				bucketIndex++
			}
			ptr++
		}
	}
	if bucketIndex != numBuckets {
		panic("partition: bucket index lookup consumed the wrong bucket count")
	}
	// malloc(-1) and other requests that overflow to the order-past-the-end.
	bucketIndexLookup[ptr] = sentinelBucketIndex
}

// sizeToBucketIndex implements §4.1's constant-time size -> bucket-index
// mapping. The caller is responsible for the "extras" rounding of step 1.
func sizeToBucketIndex(size uintptr) int {
	ord := order(size)
	shift := orderIndexShift(ord)
	orderIndex := (size >> shift) & (bucketsPerOrder - 1)
	subOrderIndex := size & orderSubIndexMask(ord)
	flat := (ord << numBucketsPerOrderBits) + orderIndex
	if subOrderIndex != 0 {
		flat++
	}
	return int(bucketIndexLookup[flat])
}

// systemPagesPerSlotSpan picks the slot-span length (in system pages) for a
// bucket of the given slot size by minimizing the waste ratio described in
// §4.1's second paragraph, grounded on
// PartitionBucket::get_system_pages_per_slot_span.
func systemPagesPerSlotSpan(slotSize uintptr) uint8 {
	if slotSize > maxSystemPagesPerSlotSpan*SystemPageSize {
		if slotSize%SystemPageSize != 0 {
			panic("partition: oversized bucket slot is not page-aligned")
		}
		pages := slotSize / SystemPageSize
		if pages >= 1<<8 {
			panic("partition: slot size needs too many system pages")
		}
		return uint8(pages)
	}

	bestWasteRatio := 1.0
	var bestPages uint16
	for i := uint16(systemPagesPerPartitionPage - 1); i <= maxSystemPagesPerSlotSpan; i++ {
		pageSize := uintptr(i) * SystemPageSize
		numSlots := pageSize / slotSize
		waste := pageSize - numSlots*slotSize

		remainder := i & (systemPagesPerPartitionPage - 1)
		var numUnfaulted uint16
		if remainder != 0 {
			numUnfaulted = systemPagesPerPartitionPage - remainder
		}
		waste += pointerSize * uintptr(numUnfaulted)

		wasteRatio := float64(waste) / float64(pageSize)
		if wasteRatio < bestWasteRatio {
			bestWasteRatio = wasteRatio
			bestPages = i
		}
	}
	if bestPages == 0 || bestPages > maxSystemPagesPerSlotSpan {
		panic("partition: failed to choose a slot-span page count")
	}
	return uint8(bestPages)
}
