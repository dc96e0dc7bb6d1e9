package session

import (
	"fmt"
	"os"
)

// Compact implements §4.9. Preconditions: the coordinator is in Ready
// state and is the session's only participant; callers typically check
// the latter with NumParticipants before calling, though this also
// re-verifies it under the control mutex.
func (c *Coordinator) Compact() error {
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return newLogicError(WrongTransactState, "compact from %s", c.state)
	}
	c.mu.Unlock()

	if err := c.controlMutex.Lock(); err != nil {
		return err
	}
	defer c.controlMutex.Unlock()

	if c.hdr.numParticipants != 1 {
		return newLogicError(WrongTransactState, "compact requires exactly one participant, have %d", c.hdr.numParticipants)
	}

	tmpPath := c.dbPath + ".tmp_compaction_space"
	os.Remove(tmpPath) // drop any stale tmp file from a prior crashed attempt

	if c.cfg.Allocator == nil {
		return fmt.Errorf("session: compact: no Allocator configured")
	}

	lock, err := c.grabReadLock()
	if err != nil {
		return err
	}

	newTopRef, newFileSize, err := c.cfg.Allocator.CompactTo(tmpPath)
	if err != nil {
		c.releaseReadLock(lock)
		os.Remove(tmpPath)
		return fmt.Errorf("session: compact: write compacted copy: %w", err)
	}

	if err := c.cfg.Allocator.DetachFile(); err != nil {
		c.releaseReadLock(lock)
		os.Remove(tmpPath)
		return fmt.Errorf("session: compact: detach source file: %w", err)
	}

	if err := renameCompactedFile(tmpPath, c.dbPath); err != nil {
		c.releaseReadLock(lock)
		return fmt.Errorf("session: compact: publish: %w", err)
	}

	// The live snapshot's physical location changed even though its
	// version did not, so the descriptor that still names it must be
	// updated in place. This is safe only because Compact's precondition
	// (numParticipants == 1, and the pin above is the only live one) rules
	// out any concurrent reader observing the old {top_ref, file_size}.
	d := c.hdr.descriptorAt(lock.index)
	d.topRef = newTopRef
	d.fileSize = newFileSize
	c.releaseReadLock(lock)

	if _, _, err := c.cfg.Allocator.AttachFile(c.dbPath, AttachConfig{SessionInitiator: true, IsShared: true}); err != nil {
		return fmt.Errorf("session: compact: reattach compacted file: %w", err)
	}
	return nil
}
