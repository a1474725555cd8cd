package partition

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRootWithThreadCache(t *testing.T) *Root {
	t.Helper()
	r, err := NewRoot(Config{Name: t.Name(), ThreadCache: ThreadCacheEnabled})
	require.NoError(t, err)
	return r
}

func TestThreadCacheServesRepeatedSameSizeAllocations(t *testing.T) {
	r := newTestRootWithThreadCache(t)
	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		ptr, err := r.Alloc(48)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		r.Free(ptr)
	}
}

func TestThreadCacheFlushReturnsSlotsToRoot(t *testing.T) {
	r := newTestRootWithThreadCache(t)
	idx := sizeToBucketIndex(48)
	b := &r.buckets[idx]
	limit := cacheLimitFor(b)

	var ptrs []unsafe.Pointer
	for i := 0; i < int(limit)+10; i++ {
		ptr, err := r.Alloc(48)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		r.Free(ptr)
	}

	tc := r.currentThreadCache()
	assert.LessOrEqual(t, tc.buckets[idx].count, limit)
}

func TestCacheableExcludesSentinelAndDirectMap(t *testing.T) {
	r := newTestRootWithThreadCache(t)
	assert.False(t, cacheable(&r.buckets[sentinelBucketIndex]))
	assert.False(t, cacheable(&Bucket{root: r, isReal: true, isDirectMap: true}))
}
