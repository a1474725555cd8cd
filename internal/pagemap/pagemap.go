// Package pagemap adapts the raw OS virtual-memory primitives spec.md §6
// lists as an external collaborator ("reserve / commit / decommit / protect
// / discard system pages") onto golang.org/x/sys/unix. It is the one place
// in this module that talks to the kernel directly; every unsafe.Pointer
// arithmetic needed to turn a syscall-returned address into a Go slice is
// confined here, per §9's "confine unsafe operations to a small module"
// guidance.
//
// Grounded on storj-storj/satellite/jobq/jobqueue_unix.go and
// dsmmcken-dh-cli/internal/vm/uffd_linux.go (both in the retrieval pack),
// which map anonymous memory with unix.Mmap and manage it by address rather
// than through a []byte that outlives the mapping.
package pagemap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protection mirrors §6's protection enum: {inaccessible, read-write}.
type Protection int

const (
	Inaccessible Protection = iota
	ReadWrite
)

func (p Protection) unixProt() int {
	if p == ReadWrite {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_NONE
}

// PageSize is the system's commit/protect granularity, probed once at
// package init and asserted to be a power of two (§3: "the implementation
// must assert at startup that the runtime system page size is a power of
// two and within the platform's supported set").
var PageSize = mustProbePageSize()

func mustProbePageSize() int {
	sz := unix.Getpagesize()
	if sz <= 0 || sz&(sz-1) != 0 {
		panic(fmt.Sprintf("pagemap: unsupported system page size %d", sz))
	}
	return sz
}

// Reserve asks the OS for a fresh anonymous mapping of size bytes, aligned
// to alignment (which must be a power of two multiple of PageSize), and
// returns its base address. hint is accepted for API symmetry with §6's
// "reserve(hint, size, alignment, ...)" primitive and used as a locality
// signal when the platform supports it (see reserveHinted in
// pagemap_linux.go); portable callers should treat placement as
// best-effort, per §4.3's "prefer ... contiguous ... but the kernel is free
// to ignore the hint".
//
// The returned mapping starts fully inaccessible (PROT_NONE); callers must
// call Commit/SetAccess on the sub-ranges they intend to use, matching the
// "reserve now, commit later" discipline used throughout §4.
func Reserve(hint uintptr, size, alignment uintptr) (uintptr, error) {
	// Over-allocate by one alignment unit so we can carve out an aligned
	// sub-range, then trim the slack. This is the standard aligned-mmap
	// trick; golang.org/x/sys/unix.Mmap has no alignment parameter.
	oversized := size + alignment
	base, err := mapAnon(hint, oversized)
	if err != nil {
		return 0, err
	}
	aligned := (base + alignment - 1) &^ (alignment - 1)
	if lead := aligned - base; lead > 0 {
		if err := unix.Munmap(toBytes(base, lead)); err != nil {
			_ = unix.Munmap(toBytes(base, oversized))
			return 0, errWrap("munmap lead slack", err)
		}
	}
	if trail := (base + oversized) - (aligned + size); trail > 0 {
		if err := unix.Munmap(toBytes(aligned+size, trail)); err != nil {
			return 0, errWrap("munmap trail slack", err)
		}
	}
	return aligned, nil
}

func mapAnon(hint, size uintptr) (uintptr, error) {
	if hint != 0 {
		if base, ok := reserveHinted(hint, size); ok {
			return base, nil
		}
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errWrap("mmap", err)
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}

// Release unmaps [base, base+size).
func Release(base, size uintptr) error {
	return unix.Munmap(toBytes(base, size))
}

// Commit makes [base, base+size) accessible with the given protection. size
// must be a multiple of PageSize.
func Commit(base, size uintptr, prot Protection) error {
	return unix.Mprotect(toBytes(base, size), prot.unixProt())
}

// Decommit releases the physical backing of [base, base+size) and makes it
// inaccessible, matching §6's decommit primitive. On Linux this is
// MADV_DONTNEED followed by PROT_NONE so that touching the range faults
// instead of reading stale zeroed pages.
func Decommit(base, size uintptr) error {
	if err := unix.Madvise(toBytes(base, size), unix.MADV_DONTNEED); err != nil {
		return errWrap("madvise(DONTNEED)", err)
	}
	return unix.Mprotect(toBytes(base, size), unix.PROT_NONE)
}

// Recommit reinstates [base, base+size) with the given protection after a
// prior Decommit. Chromium's PartitionAlloc guarantees recommitted pages
// read as zero; MADV_DONTNEED gives the same guarantee on Linux because the
// kernel drops the backing pages entirely.
func Recommit(base, size uintptr, prot Protection) error {
	return unix.Mprotect(toBytes(base, size), prot.unixProt())
}

// SetAccess changes protection without touching the physical backing.
func SetAccess(base, size uintptr, prot Protection) error {
	return unix.Mprotect(toBytes(base, size), prot.unixProt())
}

// Discard hints to the OS that [base, base+size) may be reclaimed; a
// subsequent read may see zeroes, per §6.
func Discard(base, size uintptr) error {
	return unix.Madvise(toBytes(base, size), unix.MADV_DONTNEED)
}

func toBytes(base, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
}

func errWrap(op string, err error) error {
	return fmt.Errorf("pagemap: %s: %w", op, err)
}
