package partition

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	r, err := NewRoot(Config{Name: t.Name()})
	require.NoError(t, err)
	return r
}

func TestAllocFreeRoundTrip(t *testing.T) {
	r := newTestRoot(t)
	for _, size := range []uintptr{1, 8, 15, 16, 64, 1000, 1 << 16} {
		ptr, err := r.Alloc(size)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		assert.GreaterOrEqual(t, r.GetSize(ptr), size)
		r.Free(ptr)
	}
}

func TestAllocZeroFill(t *testing.T) {
	r := newTestRoot(t)
	ptr, err := r.AllocFlags(FlagZeroFill, 64)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(ptr), 64)
	for _, v := range b {
		assert.Equal(t, byte(0), v)
	}
	r.Free(ptr)
}

func TestDoubleFreeFaults(t *testing.T) {
	r := newTestRoot(t)
	ptr, err := r.Alloc(32)
	require.NoError(t, err)
	r.Free(ptr)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		ierr, ok := rec.(*IntegrityError)
		require.True(t, ok)
		assert.Equal(t, "DoubleFree", ierr.Kind)
	}()
	r.Free(ptr)
}

func TestWildPointerFreeFaults(t *testing.T) {
	r := newTestRoot(t)
	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		ierr, ok := rec.(*IntegrityError)
		require.True(t, ok)
		assert.Equal(t, "WildPointerOnFree", ierr.Kind)
	}()
	var x int
	r.Free(unsafe.Pointer(&x))
}

func TestFreeNilIsNoOp(t *testing.T) {
	r := newTestRoot(t)
	assert.NotPanics(t, func() { r.Free(nil) })
}

func TestExcessiveSizeReturnsErrorWhenReturnNullSet(t *testing.T) {
	r := newTestRoot(t)
	_, err := r.AllocFlags(FlagReturnNull, MaxDirectMapped+1)
	assert.ErrorIs(t, err, ErrExcessiveAllocationSize)
}

func TestActualSizeNeverSmallerThanRequested(t *testing.T) {
	r := newTestRoot(t)
	for _, size := range []uintptr{1, 7, 100, 50000} {
		assert.GreaterOrEqual(t, r.ActualSize(size), size)
	}
}

func TestReallocGrowsAndPreservesContent(t *testing.T) {
	r := newTestRoot(t)
	ptr, err := r.Alloc(16)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(ptr), 16)
	for i := range b {
		b[i] = byte(i)
	}

	grown, err := r.Realloc(ptr, 4096)
	require.NoError(t, err)
	gb := unsafe.Slice((*byte)(grown), 16)
	for i := range gb {
		assert.Equal(t, byte(i), gb[i])
	}
	r.Free(grown)
}

func TestReallocToZeroFrees(t *testing.T) {
	r := newTestRoot(t)
	ptr, err := r.Alloc(16)
	require.NoError(t, err)
	out, err := r.Realloc(ptr, 0)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestManyAllocationsDoNotAlias(t *testing.T) {
	r := newTestRoot(t)
	seen := make(map[uintptr]bool)
	var ptrs []unsafe.Pointer
	for i := 0; i < 2000; i++ {
		ptr, err := r.Alloc(32)
		require.NoError(t, err)
		addr := uintptr(ptr)
		require.False(t, seen[addr], "address %#x handed out twice while live", addr)
		seen[addr] = true
		ptrs = append(ptrs, ptr)
	}
	for _, p := range ptrs {
		r.Free(p)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := NewRoot(Config{})
	assert.Error(t, err)

	_, err = NewRoot(Config{
		Name:         "bad",
		Alignment:    AlignmentAlignedAllocCapable,
		BackupRefPtr: BackupRefPtrEnabled,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
