package partition

// AlignmentMode selects between §6's two alignment behaviors.
type AlignmentMode int

const (
	AlignmentRegular AlignmentMode = iota
	AlignmentAlignedAllocCapable
)

// ThreadCacheMode enables or disables the per-thread cache (§4.7). Only one
// partition per process may enable it, per §4.7's "Only one partition per
// process may opt-in to the thread-cache feature."
type ThreadCacheMode int

const (
	ThreadCacheDisabled ThreadCacheMode = iota
	ThreadCacheEnabled
)

// QuarantineMode enables PCScan (§4.8) on this root.
type QuarantineMode int

const (
	QuarantineDisallowed QuarantineMode = iota
	QuarantineAllowed
)

// CookieMode enables debug cookie extras (§4.1 step 1).
type CookieMode int

const (
	CookiesDisallowed CookieMode = iota
	CookiesAllowed
)

// BackupRefPtrMode enables reference-count extras (§4.1 step 1).
type BackupRefPtrMode int

const (
	BackupRefPtrDisabled BackupRefPtrMode = iota
	BackupRefPtrEnabled
)

// ConfigurablePoolMode selects whether this root should prefer the
// configurable GigaCage pool, when available.
type ConfigurablePoolMode int

const (
	ConfigurablePoolNo ConfigurablePoolMode = iota
	ConfigurablePoolIfAvailable
)

// MemoryTaggingMode enables the MTE-like tag extras (§4.1 step 1).
type MemoryTaggingMode int

const (
	MemoryTaggingDisabled MemoryTaggingMode = iota
	MemoryTaggingEnabled
)

// Config is the root initialization record from §6 "Configuration at root
// init", plus the ambient fields (Name, OnOutOfMemory) this Go port needs
// that the C++ original threads through global state instead.
type Config struct {
	// Name identifies this root in logs and metrics; required.
	Name string

	Alignment         AlignmentMode
	ThreadCache       ThreadCacheMode
	Quarantine        QuarantineMode
	Cookies           CookieMode
	BackupRefPtr      BackupRefPtrMode
	ConfigurablePool  ConfigurablePoolMode
	MemoryTagging     MemoryTaggingMode

	// OnOutOfMemory is the OOM handler of §4.4/§6. It must not return; if
	// nil, a default handler that logs and calls os.Exit(1) is installed.
	OnOutOfMemory func(size uintptr, addressSpaceExhausted bool)
}

// extrasSize returns the number of bytes this config reserves around every
// slot for cookies/ref-count/tag extras (§4.1 step 1, supplemented per
// SPEC_FULL.md §4 from partition_alloc.h's extras accounting).
func (c Config) extrasSize() uintptr {
	var n uintptr
	if c.Cookies == CookiesAllowed {
		n += 2 * cookieSize // leading + trailing cookie
	}
	if c.BackupRefPtr == BackupRefPtrEnabled {
		n += refCountSize
	}
	if c.MemoryTagging == MemoryTaggingEnabled {
		n += tagSize
	}
	return n
}

// extrasOffset is how far into the slot the usable payload begins: only the
// leading cookie and the ref-count precede the payload; the trailing cookie
// and the tag (if any) follow it.
func (c Config) extrasOffset() uintptr {
	var n uintptr
	if c.Cookies == CookiesAllowed {
		n += cookieSize
	}
	if c.BackupRefPtr == BackupRefPtrEnabled {
		n += refCountSize
	}
	return n
}

const (
	cookieSize   = 8
	refCountSize = 8
	tagSize      = 8
)

// validate enforces §6's incompatibility table.
func (c Config) validate() error {
	if c.Name == "" {
		return wrapf(ErrInvalidConfig, "Name must be non-empty")
	}
	if c.Alignment == AlignmentAlignedAllocCapable {
		if c.Cookies == CookiesAllowed {
			return wrapf(ErrInvalidConfig, "aligned-alloc-capable excludes cookies")
		}
		if c.BackupRefPtr == BackupRefPtrEnabled {
			return wrapf(ErrInvalidConfig, "aligned-alloc-capable excludes ref-count extras")
		}
	}
	if c.MemoryTagging == MemoryTaggingEnabled && c.ConfigurablePool == ConfigurablePoolIfAvailable {
		return wrapf(ErrInvalidConfig, "memory-tagging excludes the configurable pool")
	}
	if c.BackupRefPtr == BackupRefPtrEnabled && c.ConfigurablePool == ConfigurablePoolIfAvailable {
		return wrapf(ErrInvalidConfig, "ref-count extras exclude the configurable-pool partition")
	}
	return nil
}
