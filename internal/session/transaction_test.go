package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginReadEndReadRoundTrip(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	_, _, err := coord.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, stateReading, coord.state)

	require.NoError(t, coord.EndRead())
	assert.Equal(t, stateReady, coord.state)
}

func TestEndReadIsIdempotentFromReady(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)
	assert.NoError(t, coord.EndRead())
	assert.NoError(t, coord.EndRead())
}

func TestBeginWriteFromReadingIsRejected(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	_, _, err := coord.BeginRead()
	require.NoError(t, err)

	_, _, err = coord.BeginWrite(context.Background())
	var logicErr *LogicError
	require.ErrorAs(t, err, &logicErr)
	assert.Equal(t, WrongTransactState, logicErr.Kind)

	require.NoError(t, coord.EndRead())
}

func TestBeginReadFromWritingIsRejected(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	_, _, err := coord.BeginWrite(context.Background())
	require.NoError(t, err)

	_, _, err = coord.BeginRead()
	var logicErr *LogicError
	require.ErrorAs(t, err, &logicErr)
	assert.Equal(t, WrongTransactState, logicErr.Kind)

	_, err = coord.Commit()
	require.NoError(t, err)
}

func TestRollbackIsIdempotentFromReadyAndDiscardsNoVersion(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)
	require.NoError(t, coord.Rollback())

	before := coord.LatestVersionNumber()
	_, _, err := coord.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, coord.Rollback())
	assert.Equal(t, before, coord.LatestVersionNumber(), "rollback must not publish a version")
	assert.Equal(t, stateReady, coord.state)
}

func TestCommitFromReadyIsRejected(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)
	_, err := coord.Commit()
	var logicErr *LogicError
	require.ErrorAs(t, err, &logicErr)
	assert.Equal(t, WrongTransactState, logicErr.Kind)
}

func TestCommitAndContinueAsReadPinsJustPublishedVersion(t *testing.T) {
	coord := openTestCoordinator(t, DurabilityMemOnly)

	_, _, err := coord.BeginWrite(context.Background())
	require.NoError(t, err)
	_, _, err = coord.CommitAndContinueAsRead()
	require.NoError(t, err)

	assert.Equal(t, stateReading, coord.state)
	pinned, ok := coord.PinnedVersionID()
	require.True(t, ok)
	assert.EqualValues(t, coord.LatestVersionNumber(), pinned.Version)

	require.NoError(t, coord.EndRead())
}

// TestWriteMutexSerializesAcrossParticipants opens two independent
// Coordinators on the same database and confirms the second participant's
// BeginWrite genuinely blocks on the flock-backed write mutex until the
// first commits, rather than racing in past it (each Coordinator owns its
// own *os.File onto access_control.write, so this exercises flock's real
// cross-open-file-description exclusion, not just the in-process mu).
func TestWriteMutexSerializesAcrossParticipants(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	alloc1 := &FlatFileAllocator{}
	c1, err := Open(dbPath, Config{Durability: DurabilityMemOnly, Allocator: alloc1, Writer: alloc1})
	require.NoError(t, err)
	defer c1.Close()

	alloc2 := &FlatFileAllocator{}
	c2, err := Open(dbPath, Config{Durability: DurabilityMemOnly, Allocator: alloc2, Writer: alloc2})
	require.NoError(t, err)
	defer c2.Close()

	_, _, err = c1.BeginWrite(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _, err := c2.BeginWrite(context.Background())
		require.NoError(t, err)
		_, err = c2.Commit()
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second participant's BeginWrite must not proceed while the first holds the write mutex")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = c1.Commit()
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second participant's BeginWrite never proceeded after the first released the write mutex")
	}
}
