package partition

import "github.com/pkg/errors"

// Recoverable error values, per §7's error taxonomy. Only conditions the
// spec marks as "returns false" / "the caller falls back" surface as Go
// errors; everything marked as an abort (wild pointer, double free,
// freelist corruption, bucket overflow) is fatal and never reaches the
// caller as an error value — see fault() in log.go.
var (
	// ErrExcessiveAllocationSize is returned (when FlagReturnNull is set)
	// for a request larger than MaxDirectMapped. §7: "ExcessiveAllocationSize".
	ErrExcessiveAllocationSize = errors.New("partition: requested size exceeds the maximum direct-mapped allocation")

	// ErrOutOfMemory is returned (when FlagReturnNull is set) when
	// the page primitive failed to satisfy a reservation. §7: "OutOfMemory".
	ErrOutOfMemory = errors.New("partition: out of memory")

	// ErrDirectMapReallocImpossible is the Go surfacing of §7's
	// "DirectMapReallocImpossible": growing beyond the reservation, or
	// shrinking below the 80% threshold. It is returned by the internal
	// in-place realloc helper; Root.Realloc treats it as a signal to fall
	// back to allocate-copy-free rather than propagating it to the caller.
	ErrDirectMapReallocImpossible = errors.New("partition: direct-map reallocation cannot be performed in place")

	// ErrInvalidConfig is returned by NewRoot when Config violates one of
	// the incompatibility rules in §6.
	ErrInvalidConfig = errors.New("partition: invalid root configuration")
)

// wrapf is a thin github.com/pkg/errors wrapper used for every recoverable
// error path in this package, so a caller following errors.Cause/errors.Is
// can tell which layer rejected the request.
func wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
