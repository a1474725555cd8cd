package pagemap

import "golang.org/x/sys/unix"

// reserveHinted tries to place an anonymous mapping at addr using a direct
// mmap(2) syscall. Without MAP_FIXED the kernel takes addr only as a hint:
// it never clobbers an existing mapping there, and may place the mapping
// elsewhere, in which case that other address is returned. Only a failed
// syscall makes the caller fall back to an unhinted mmap.
// golang.org/x/sys/unix.Mmap does not expose an address argument, so the raw
// syscall is needed for this one case.
func reserveHinted(addr, size uintptr) (uintptr, bool) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		size,
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_ANON|unix.MAP_PRIVATE),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return 0, false
	}
	return got, true
}
