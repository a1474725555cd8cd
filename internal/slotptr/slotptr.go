// Package slotptr implements the freelist entry encoding described in
// spec §3 item 2 and §9 ("Freelist encoding"): a bijective transform applied
// to the "next" pointer stored in a free slot, chosen so that a partial
// overwrite, or a stale vtable/pointer dereferenced as if it were a freelist
// entry, faults rather than silently proceeding.
//
// The transform is its own inverse (encode(encode(x)) == x), so callers use
// a single Transform function for both directions, mirroring
// EncodedPartitionFreelistEntry::Decode / Encode in the original
// implementation (the reference C++ does the same: a single byteswap).
package slotptr

import "math/bits"

// Nil is the encoded representation of a null "next" pointer. Byte-swapping
// zero is zero, so it is its own encoding; kept as a named constant so call
// sites read as intent rather than a bare zero literal.
const Nil uintptr = 0

// Transform applies the bijective encode/decode transform to a raw slot
// address. On little-endian platforms (the only ones this module targets)
// it is a 64-bit byte swap: a corrupted or partially-overwritten encoded
// pointer decodes to a wild address that is astronomically unlikely to
// alias a valid slot, so walking off it at the next allocation crashes
// immediately instead of handing out corrupted memory.
func Transform(p uintptr) uintptr {
	return uintptr(bits.ReverseBytes64(uint64(p)))
}
