package partition

import "github.com/voidforge/partitionalloc/internal/pagemap"

// decommitSpanPages and recommitSpanPages isolate the pagemap calls for a
// span's payload range so slowpath.go's transition logic stays free of
// address arithmetic.
func decommitSpanPages(span *SlotSpan) error {
	size := uintptr(span.bucket.numSystemPagesPerSlotSpan) * SystemPageSize
	return pagemap.Decommit(span.payloadStart, size)
}

func recommitSpanPages(span *SlotSpan) error {
	size := uintptr(span.bucket.numSystemPagesPerSlotSpan) * SystemPageSize
	return pagemap.Recommit(span.payloadStart, size, pagemap.ReadWrite)
}

func discardPages(base, size uintptr) error {
	return pagemap.Discard(base, size)
}
