package session

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeededHeader(t *testing.T) *header {
	return newSeededHeaderWithOverflow(t, 0)
}

// newSeededHeaderWithOverflow backs a header with a plain byte buffer large
// enough for extraEntries descriptors beyond the initial 32, the same way
// a grown mmap would be, so descriptorAt's pointer arithmetic into the
// overflow region stays inside real storage instead of past the end of a
// bare &header{}.
func newSeededHeaderWithOverflow(t *testing.T, extraEntries uint32) *header {
	t.Helper()
	buf := make([]byte, int(headerSize)+int(requiredOverflowSpace(initialRingEntries+extraEntries)))
	h := (*header)(unsafe.Pointer(&buf[0]))
	h.seedRing()
	h.initVersioning(0, 0, 1)
	return h
}

func TestRingSeedState(t *testing.T) {
	h := newSeededHeader(t)
	assert.EqualValues(t, initialRingEntries, h.entries)
	assert.EqualValues(t, 0, h.ringLast())
	assert.EqualValues(t, 0, h.ringOldestIndex())
	assert.False(t, h.descriptorAt(0).count.isFree())
	for i := uint32(1); i < h.entries; i++ {
		assert.True(t, h.descriptorAt(i).count.isFree(), "slot %d should start free", i)
	}
}

func TestRingPublishAdvancesLastNotOldest(t *testing.T) {
	h := newSeededHeader(t)

	require.False(t, h.ringIsFull())
	next := h.ringGetNext()
	next.version = 2
	h.ringUseNext()

	assert.EqualValues(t, 1, h.ringLast())
	assert.EqualValues(t, 0, h.ringOldestIndex(), "oldest must not move until cleanup runs")
}

func TestRingCleanupReclaimsOnlyUnreferencedSlots(t *testing.T) {
	h := newSeededHeader(t)

	// Pin the seed slot so cleanup cannot reclaim it.
	require.True(t, h.descriptorAt(0).count.doubleIncIfEven())

	for v := uint64(2); v <= 4; v++ {
		next := h.ringGetNext()
		next.version = v
		h.ringUseNext()
	}

	h.ringCleanup()
	assert.EqualValues(t, 0, h.ringOldestIndex(), "pinned slot 0 must survive cleanup")

	h.descriptorAt(0).count.doubleDec()
	h.ringCleanup()
	assert.NotEqualValues(t, 0, h.ringOldestIndex(), "cleanup should now reclaim the unpinned slot")
}

func TestRingClosureReachesOldestWithinEntries(t *testing.T) {
	h := newSeededHeader(t)
	for v := uint64(2); v <= 10; v++ {
		next := h.ringGetNext()
		next.version = v
		h.ringUseNext()
	}

	idx := h.ringLast()
	steps := uint32(0)
	for idx != h.ringOldestIndex() && steps <= h.entries {
		idx = h.descriptorAt(idx).next
		steps++
	}
	assert.LessOrEqual(t, steps, h.entries)
	assert.Equal(t, h.ringOldestIndex(), idx)
}

func TestRingFullTriggersExpandTo(t *testing.T) {
	h := newSeededHeaderWithOverflow(t, ringGrowthStep)
	// Pin slot 0 so nothing is ever reclaimed, forcing the ring to fill.
	require.True(t, h.descriptorAt(0).count.doubleIncIfEven())

	for !h.ringIsFull() {
		next := h.ringGetNext()
		next.version++
		h.ringUseNext()
	}
	require.True(t, h.ringIsFull())

	h.ringExpandTo(h.entries + ringGrowthStep)
	assert.EqualValues(t, initialRingEntries+ringGrowthStep, h.entries)
	assert.False(t, h.ringIsFull(), "expand_to must create free capacity")

	h.descriptorAt(0).count.doubleDec()
}

func TestRequiredOverflowSpace(t *testing.T) {
	assert.EqualValues(t, 0, requiredOverflowSpace(initialRingEntries))
	assert.EqualValues(t, 32*descriptorSize, requiredOverflowSpace(initialRingEntries+32))
}
