package partition

import "github.com/voidforge/partitionalloc/internal/slotptr"

// The cache limits below mirror Chromium's hand-tuned per-bucket cache limits
// (original_source/thread_cache.cc's kMaxCountPerBucket table, distilled to
// the small set of bucketed size tiers this table actually discriminates
// on). A bucket whose slot size is at most smallCacheTierBytes gets the
// generous limit since it is hit constantly; everything past
// largeCacheTierBytes gets the stingy limit since caching rarely pays for
// itself and only adds memory pressure per bucket.
const (
	smallCacheTierBytes = 256
	largeCacheTierBytes = 4096

	smallBucketCacheLimit = 128
	mediumBucketCacheLimit = 32
	largeBucketCacheLimit  = 4

	defaultRefillRatio = refillRatio // slots pulled per refill = limit/refillRatio.
)

// cacheable reports whether bucket b is eligible for the thread cache at
// all, per §4.7: direct-mapped and sentinel buckets never are.
func cacheable(b *Bucket) bool {
	return b.isReal && !b.isSentinel && !b.isDirectMap
}

func cacheLimitFor(b *Bucket) uint16 {
	switch {
	case b.slotSize <= smallCacheTierBytes:
		return smallBucketCacheLimit
	case b.slotSize <= largeCacheTierBytes:
		return mediumBucketCacheLimit
	default:
		return largeBucketCacheLimit
	}
}

// threadCacheBucket is one bucket's LIFO freelist inside a threadCache,
// encoded identically to a SlotSpan's freelist (§4.7, §9).
type threadCacheBucket struct {
	head  uintptr
	count uint16
	limit uint16
}

// threadCache is this port's stand-in for §4.7's per-thread cache: Go has
// no native thread-local storage, so one lives in a sync.Pool on the owning
// Root (root.go's tcPool) and is retrieved with currentThreadCache, which
// approximates "this goroutine's cache" with "a cache nobody else is using
// right now" -- adequate for an allocator cache, whose only correctness
// requirement is that a slot freed into it came from the same root.
//
// Grounded on sync.Pool's own per-P private/shared list design (the same
// problem -- cheap access to a goroutine/P-local slot without true TLS --
// solved the same way in the Go standard library) and on
// original_source/thread_cache.h/.cc for the refill/flush ratios.
type threadCache struct {
	root    *Root
	buckets [numBuckets]threadCacheBucket
}

func newThreadCache(r *Root) *threadCache {
	tc := &threadCache{root: r}
	for i := range tc.buckets {
		if r.buckets[i].isReal {
			tc.buckets[i].limit = cacheLimitFor(&r.buckets[i])
		}
	}
	return tc
}

// currentThreadCache borrows a cache from the pool for the duration of one
// alloc or free call and returns it immediately; see threadCache's doc
// comment for why this stands in for TLS.
func (r *Root) currentThreadCache() *threadCache {
	v := r.tcPool.Get()
	tc := v.(*threadCache)
	r.tcPool.Put(tc)
	return tc
}

// pop removes one slot from this bucket's cache, refilling from the root if
// the cache is empty, per §4.7.
func (tc *threadCache) pop(bucketIndex int) (uintptr, bool) {
	b := &tc.buckets[bucketIndex]
	if b.head == slotptr.Nil {
		if !tc.refill(bucketIndex) {
			return 0, false
		}
	}
	addr := slotptr.Transform(b.head)
	b.head = readEncodedNext(addr)
	b.count--
	return addr, true
}

// push returns one slot to this bucket's cache, flushing a portion back to
// the root if the cache has grown past its limit, per §4.7.
func (tc *threadCache) push(bucketIndex int, slotAddr uintptr) bool {
	b := &tc.buckets[bucketIndex]
	writeEncodedNext(slotAddr, b.head)
	b.head = slotptr.Transform(slotAddr)
	b.count++
	if b.count > b.limit {
		tc.flush(bucketIndex)
	}
	return true
}

// refill pulls limit/refillRatio slots from the root's bucket lists under
// the root lock in one batch, per §4.7's "amortize lock acquisition".
func (tc *threadCache) refill(bucketIndex int) bool {
	bucket := &tc.root.buckets[bucketIndex]
	want := int(bucket.limit() / defaultRefillRatio)
	if want < 1 {
		want = 1
	}
	tc.root.lock.Lock()
	defer tc.root.lock.Unlock()

	b := &tc.buckets[bucketIndex]
	for i := 0; i < want; i++ {
		addr, err := bucket.allocFromBucketLocked()
		if err != nil {
			break
		}
		writeEncodedNext(addr, b.head)
		b.head = slotptr.Transform(addr)
		b.count++
	}
	return b.head != slotptr.Nil
}

// flush returns count-limit/2 slots back to the root's bucket lists under
// the root lock in one batch, per §4.7.
func (tc *threadCache) flush(bucketIndex int) {
	b := &tc.buckets[bucketIndex]
	keep := b.limit / 2
	if b.count <= keep {
		return
	}
	toFlush := b.count - keep

	root := tc.root
	root.lock.Lock()
	defer root.lock.Unlock()

	for i := uint16(0); i < toFlush; i++ {
		if b.head == slotptr.Nil {
			break
		}
		addr := slotptr.Transform(b.head)
		b.head = readEncodedNext(addr)
		b.count--
		span, _, ok := spanForPointer(addr)
		if !ok {
			root.fault("FreelistCorruption", nil, "thread cache flush found unmapped slot %#x", addr)
		}
		root.freeSlotLocked(span, addr)
	}
}

// limit is a tiny accessor so threadCache.refill doesn't need to reach past
// Bucket's unexported fields from another file's perspective; both live in
// the same package, so this exists purely for readability at the call site.
func (b *Bucket) limit() uint16 {
	return cacheLimitFor(b)
}

// purgeAllThreadCaches drains every registered thread cache's buckets back
// to their owning root; used by Root.PurgeMemory (§6).
func (r *Root) purgeAllThreadCaches() {
	r.tcRegistry.Range(func(key, _ interface{}) bool {
		tc := key.(*threadCache)
		for i := range tc.buckets {
			if tc.buckets[i].count == 0 {
				continue
			}
			saved := tc.buckets[i].limit
			tc.buckets[i].limit = 0
			tc.flush(i)
			tc.buckets[i].limit = saved
		}
		return true
	})
}
