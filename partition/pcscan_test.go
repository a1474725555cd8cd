package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRootWithQuarantine(t *testing.T) *Root {
	t.Helper()
	r, err := NewRoot(Config{Name: t.Name(), Quarantine: QuarantineAllowed})
	require.NoError(t, err)
	return r
}

func TestFreeUnderQuarantineDoesNotImmediatelyReclaim(t *testing.T) {
	r := newTestRootWithQuarantine(t)
	ptr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(ptr)

	assert.Equal(t, int64(1), r.pcscan.quarantinedSlots)
}

func TestScanAndSweepReclaimsUnreachableQuarantinedObject(t *testing.T) {
	r := newTestRootWithQuarantine(t)
	ptr, err := r.Alloc(64)
	require.NoError(t, err)
	r.Free(ptr)
	require.Equal(t, int64(1), r.pcscan.quarantinedSlots)

	// No live object references the freed slot, so sweep reclaims it.
	assert.True(t, r.ScheduleScan())
	r.PerformScan()
	assert.Equal(t, int64(0), r.pcscan.quarantinedSlots)
}

func TestScanKeepsQuarantinedObjectStillReferenced(t *testing.T) {
	r := newTestRootWithQuarantine(t)
	holder, err := r.Alloc(8)
	require.NoError(t, err)
	quarantined, err := r.Alloc(64)
	require.NoError(t, err)

	// Plant a raw pointer to the quarantined slot inside a still-live slot,
	// simulating a dangling reference the conservative heap scan must find.
	*(*uintptr)(holder) = uintptr(quarantined)

	r.Free(quarantined)
	require.Equal(t, int64(1), r.pcscan.quarantinedSlots)

	r.ScheduleScan()
	r.PerformScan()
	assert.Equal(t, int64(1), r.pcscan.quarantinedSlots, "a still-referenced quarantined object must survive the sweep")

	*(*uintptr)(holder) = 0
	r.ScheduleScan()
	r.PerformScan()
	assert.Equal(t, int64(0), r.pcscan.quarantinedSlots)

	r.Free(holder)
}

func TestScheduleScanIsNoOpWhileAlreadyScheduled(t *testing.T) {
	r := newTestRootWithQuarantine(t)
	assert.True(t, r.ScheduleScan())
	assert.False(t, r.ScheduleScan())
	r.PerformScan()
}

func TestQuarantineBitmapSetClearTest(t *testing.T) {
	bm := newQuarantineBitmap()
	base := uintptr(0x1000000)
	addr := base + 128*pointerSize
	assert.False(t, bm.Test(base, addr))
	bm.Set(base, addr)
	assert.True(t, bm.Test(base, addr))
	bm.Clear(base, addr)
	assert.False(t, bm.Test(base, addr))
}
