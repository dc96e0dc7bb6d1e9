package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCoordinator(t *testing.T, durability Durability) *Coordinator {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	alloc := &FlatFileAllocator{}
	coord, err := Open(dbPath, Config{
		Durability: durability,
		History:    HistoryNone,
		Allocator:  alloc,
		Writer:     alloc,
	})
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })
	return coord
}

// TestSingleProcessOpenCommitClose exercises scenario 1 from spec.md §8:
// single-process open, two successive commits, monotonic versioning, and
// the fact that a version only gets cleaned up once a later commit's trim
// step has a chance to observe it as trailing and unpinned.
func TestSingleProcessOpenCommitClose(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	assert.EqualValues(t, 1, coord.NumParticipants())
	assert.EqualValues(t, 1, coord.LatestVersionNumber())
	assert.EqualValues(t, 1, coord.NumberOfVersions())

	_, _, err := coord.BeginWrite(context.Background())
	require.NoError(t, err)
	v, err := coord.Commit()
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
	assert.EqualValues(t, 2, coord.LatestVersionNumber())
	assert.EqualValues(t, 1, coord.oldestLiveVersion(), "v1 not yet cleaned, no readers ever pinned it")

	_, _, err = coord.BeginWrite(context.Background())
	require.NoError(t, err)
	v, err = coord.Commit()
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
	assert.EqualValues(t, 2, coord.oldestLiveVersion(), "v1 should now be reclaimed, v2 not yet (it was still put_pos when this commit's trim ran)")
}

// TestConcurrentReaderRetainsOldVersion is scenario 2: a reader's pin must
// keep ring.oldest at or below the pinned version for as long as the pin
// is held, and reclaim must resume once it is released (P3).
func TestConcurrentReaderRetainsOldVersion(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	for i := 0; i < 4; i++ { // commit up to v5
		_, _, err := coord.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = coord.Commit()
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, coord.LatestVersionNumber())

	_, _, err := coord.BeginRead()
	require.NoError(t, err)
	pinned, ok := coord.PinnedVersionID()
	require.True(t, ok)
	assert.EqualValues(t, 5, pinned.Version)

	for i := 0; i < 3; i++ { // commit v6, v7, v8
		require.NoError(t, coord.forceCommitWhilePinned())
		assert.LessOrEqual(t, coord.oldestLiveVersion(), pinned.Version, "reader's pin must block reclaim past its own version")
	}

	require.NoError(t, coord.EndRead())
	for i := 0; i < 3; i++ {
		require.NoError(t, coord.forceCommitWhilePinned())
	}
	assert.Greater(t, coord.oldestLiveVersion(), pinned.Version, "reclaim should resume once the pin is released")
}

// TestBadVersionOnStaleRequest is scenario 4.
func TestBadVersionOnStaleRequest(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	for i := 0; i < 9; i++ {
		require.NoError(t, coord.forceCommitWhilePinned())
	}
	require.EqualValues(t, 10, coord.LatestVersionNumber())

	_, _, err := coord.BeginRead()
	require.NoError(t, err)
	token, _ := coord.PinnedVersionID()
	require.EqualValues(t, 10, token.Version)
	require.NoError(t, coord.EndRead())

	for i := 0; i < 40; i++ {
		require.NoError(t, coord.forceCommitWhilePinned())
	}

	_, _, err = coord.BeginReadAt(token)
	assert.ErrorIs(t, err, ErrBadVersion)

	coord.mu.Lock()
	state := coord.state
	coord.mu.Unlock()
	assert.Equal(t, stateReady, state, "a failed pin attempt must never leak the transaction into Reading")
}

// TestHistoryTypeIncompatibilityIsRejected is scenario 6.
func TestHistoryTypeIncompatibilityIsRejected(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	initAlloc := &FlatFileAllocator{}
	initiator, err := Open(dbPath, Config{
		Durability: DurabilityMemOnly,
		History:    HistoryInRealm,
		Allocator:  initAlloc,
		Writer:     initAlloc,
	})
	require.NoError(t, err)
	defer initiator.Close()
	require.EqualValues(t, 1, initiator.NumParticipants())

	joinAlloc := &FlatFileAllocator{}
	_, err = Open(dbPath, Config{
		Durability: DurabilityMemOnly,
		History:    HistorySync,
		Allocator:  joinAlloc,
		Writer:     joinAlloc,
	})
	require.Error(t, err)
	var logicErr *LogicError
	require.ErrorAs(t, err, &logicErr)
	assert.Equal(t, MixedHistoryType, logicErr.Kind)
	assert.EqualValues(t, 1, initiator.NumParticipants(), "a rejected joiner must not bump num_participants")
}

// TestBeginWriteFailsAfterSimulatedCrash is scenario 5.
func TestBeginWriteFailsAfterSimulatedCrash(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	coord.hdr.commitInCriticalPhase = 1

	_, _, err := coord.BeginWrite(context.Background())
	assert.ErrorIs(t, err, ErrSessionRestartRequired)

	coord.hdr.commitInCriticalPhase = 0
	_, _, err = coord.BeginWrite(context.Background())
	assert.NoError(t, err)
	_, err = coord.Commit()
	assert.NoError(t, err)
}

// forceCommitWhilePinned runs a trivial write transaction to advance the
// version counter without disturbing whatever read pin the test already
// holds.
func (c *Coordinator) forceCommitWhilePinned() error {
	saved := c.pinned
	savedState := c.state
	c.mu.Lock()
	c.pinned = nil
	c.state = stateReady
	c.mu.Unlock()

	if _, _, err := c.BeginWrite(context.Background()); err != nil {
		return err
	}
	if _, err := c.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	c.pinned = saved
	c.state = savedState
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) oldestLiveVersion() uint64 {
	c.controlMutex.Lock()
	defer c.controlMutex.Unlock()
	return c.hdr.ringOldest().version
}
