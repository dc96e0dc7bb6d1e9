package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingWriter wraps FlatFileAllocator to record how many times Commit
// (the durability-specific finalization step) is actually invoked.
type countingWriter struct {
	FlatFileAllocator
	commits int
}

func (w *countingWriter) Commit(newTopRef uint64) error {
	w.commits++
	return w.FlatFileAllocator.Commit(newTopRef)
}

func TestDurabilityFullCallsWriterCommitEveryTime(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := &countingWriter{}
	coord, err := Open(dbPath, Config{Durability: DurabilityFull, Allocator: &w.FlatFileAllocator, Writer: w})
	require.NoError(t, err)
	defer coord.Close()

	for i := 0; i < 3; i++ {
		_, _, err := coord.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = coord.Commit()
		require.NoError(t, err)
	}
	assert.Equal(t, 3, w.commits, "DurabilityFull must durably commit every transaction")
}

func TestDurabilityMemOnlyNeverCallsWriterCommit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	w := &countingWriter{}
	coord, err := Open(dbPath, Config{Durability: DurabilityMemOnly, Allocator: &w.FlatFileAllocator, Writer: w})
	require.NoError(t, err)
	defer coord.Close()

	for i := 0; i < 3; i++ {
		_, _, err := coord.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = coord.Commit()
		require.NoError(t, err)
	}
	assert.Equal(t, 0, w.commits, "MemOnly must never take the durable-write step")
}

func TestCommitAdvancesNumberOfVersionsFormula(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	for i := 0; i < 5; i++ {
		_, _, err := coord.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = coord.Commit()
		require.NoError(t, err)

		coord.controlMutex.Lock()
		want := coord.hdr.latestVersionNumber - coord.hdr.ringOldest().version + 1
		got := coord.hdr.numberOfVersions
		coord.controlMutex.Unlock()
		assert.Equal(t, want, got, "number_of_versions must always equal latest - oldest + 1")
	}
}

func TestCommitGrowsRingOnceItFills(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	_, _, err := coord.BeginRead() // pin slot 0 so cleanup can never reclaim anything
	require.NoError(t, err)

	startEntries := coord.hdr.entries
	for i := uint32(0); i < startEntries+2; i++ {
		require.NoError(t, coord.forceCommitWhilePinned())
	}

	assert.Greater(t, coord.hdr.entries, startEntries, "ring must have grown past its initial allotment")
	require.NoError(t, coord.EndRead())
}
