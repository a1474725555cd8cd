package partition

import "unsafe"

// Realloc implements §4.5/§6's realloc contract: grow or shrink ptr to
// newSize in place when it can: a direct-mapped allocation through
// reallocDirectMappedInPlace, a bucketed one when newSize maps to the same
// bucket. Otherwise it falls back to allocate-copy-free.
func (r *Root) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return r.Alloc(newSize)
	}
	if newSize == 0 {
		r.Free(ptr)
		return nil, nil
	}

	addr := uintptr(ptr)
	slotAddr := addr - r.config.extrasOffset()
	span, owner, ok := spanForPointer(slotAddr)
	if !ok || owner != r {
		r.fault("WildPointerOnFree", nil, "realloc on pointer %#x not owned by this partition", addr)
	}

	if span.bucket.isDirectMap {
		newRawSize := newSize + r.config.extrasSize()
		if err := r.reallocDirectMappedInPlace(span, newRawSize); err == nil {
			return ptr, nil
		}
	} else {
		// Bucketed: in-place is possible only when newSize still fits in the
		// same bucket as the current allocation, per §4.5.
		rawSize := newSize + r.config.extrasSize()
		if sizeToBucketIndex(rawSize) == span.bucket.index {
			return ptr, nil
		}
	}

	newPtr, err := r.Alloc(newSize)
	if err != nil {
		return nil, err
	}
	oldUserSize := r.GetSize(ptr)
	copySize := oldUserSize
	if newSize < copySize {
		copySize = newSize
	}
	copyBytes(newPtr, ptr, copySize)
	r.Free(ptr)
	return newPtr, nil
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), int(n))
	s := unsafe.Slice((*byte)(src), int(n))
	copy(d, s)
}
