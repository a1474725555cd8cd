package partition

import "sync"

// quarantineBitmap is one bit per pointer-aligned slot within a super page,
// per §4.8: the mutator bitmap records the start of every slot freed into
// quarantine; the scanner bitmap is the stable snapshot the scan walks. Bits are packed 64 to a word; a super page has
// SuperPageSize/pointerSize possible slots, so the bitmap is
// SuperPageSize/pointerSize/64 words wide.
//
// Grounded on runtime/mbitmap-style per-word bitmaps (the Go runtime's own
// span/object bitmap representation) and on original_source/starscan's
// ObjectBitmap, simplified to a single flat bitmap per super page since this
// port dedicates a whole card per super page (see cardTable below) rather
// than Chromium's finer-grained card size.
type quarantineBitmap struct {
	mu    sync.Mutex
	words []uint64
}

const bitmapWordBits = 64

func newQuarantineBitmap() *quarantineBitmap {
	slots := SuperPageSize / pointerSize
	return &quarantineBitmap{words: make([]uint64, (slots+bitmapWordBits-1)/bitmapWordBits)}
}

func (bm *quarantineBitmap) slotIndex(base, addr uintptr) int {
	return int((addr - base) / pointerSize)
}

func (bm *quarantineBitmap) Set(base, addr uintptr) {
	i := bm.slotIndex(base, addr)
	bm.mu.Lock()
	bm.words[i/bitmapWordBits] |= 1 << uint(i%bitmapWordBits)
	bm.mu.Unlock()
}

func (bm *quarantineBitmap) Clear(base, addr uintptr) {
	i := bm.slotIndex(base, addr)
	bm.mu.Lock()
	bm.words[i/bitmapWordBits] &^= 1 << uint(i%bitmapWordBits)
	bm.mu.Unlock()
}

func (bm *quarantineBitmap) Test(base, addr uintptr) bool {
	i := bm.slotIndex(base, addr)
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.words[i/bitmapWordBits]&(1<<uint(i%bitmapWordBits)) != 0
}

// forEachSet calls fn(addr) for every set bit of a copy taken under the
// bitmap's lock. The sweep phase does not use it; it walks the root's
// quarantine list instead.
func (bm *quarantineBitmap) forEachSet(base uintptr, fn func(addr uintptr)) {
	bm.mu.Lock()
	words := append([]uint64(nil), bm.words...)
	bm.mu.Unlock()
	for wi, w := range words {
		for w != 0 {
			bit := uint(trailingZeros64(w))
			idx := wi*bitmapWordBits + int(bit)
			fn(base + uintptr(idx)*pointerSize)
			w &= w - 1
		}
	}
}

func trailingZeros64(w uint64) int {
	if w == 0 {
		return 64
	}
	n := 0
	for w&1 == 0 {
		w >>= 1
		n++
	}
	return n
}

// cardTableCardSize is one card per §4.8's "a card covers a fixed span of
// address space"; this port uses one card per super page, so the card
// table is a single byte per super page -- large enough to record
// "this super page currently holds quarantined objects" without needing a
// separate allocation per card.
const cardTableCardSize = SuperPageSize

// enableQuarantineFor lazily allocates the PCScan bitmaps and card-table
// byte for a newly acquired super page, per §4.8's "bitmaps and card table
// are allocated the first time a partition that has quarantine enabled
// acquires a super page".
func (r *Root) enableQuarantineFor(sp *superPageMeta) {
	sp.mutatorBitmap = newQuarantineBitmap()
	sp.scannerBitmap = newQuarantineBitmap()
	sp.cardTable = make([]byte, 1)
}

// markCard flags sp's single card as containing quarantined objects.
func (sp *superPageMeta) markCard() {
	if sp.cardTable != nil {
		sp.cardTable[0] = 1
	}
}

func (sp *superPageMeta) cardIsMarked() bool {
	return sp.cardTable != nil && sp.cardTable[0] != 0
}

func (sp *superPageMeta) clearCard() {
	if sp.cardTable != nil {
		sp.cardTable[0] = 0
	}
}
