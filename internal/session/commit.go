package session

import "fmt"

// runCommitPipeline implements §4.7, steps 1-8. The caller (transaction.go)
// already holds the write mutex and a pin on the version being superseded.
func (c *Coordinator) runCommitPipeline() (newVersion uint64, err error) {
	// 1. Trim.
	c.ensureFullRingMapped()
	c.hdr.ringCleanup()
	oldest := c.hdr.ringOldest().version

	if c.cfg.Replication != nil {
		if err := c.cfg.Replication.TrimTo(oldest); err != nil {
			return 0, fmt.Errorf("session: trim replication history: %w", err)
		}
	}

	newVersion = c.hdr.latestVersionNumber + 1

	// 2. Serialize.
	if c.cfg.Writer == nil {
		return 0, fmt.Errorf("session: commit: no GroupWriter configured")
	}
	out, err := c.cfg.Writer.WriteGroup(WriteGroupInput{NewVersion: newVersion, OldestLive: oldest})
	if err != nil {
		if c.cfg.Replication != nil {
			c.cfg.Replication.Abort()
		}
		return 0, fmt.Errorf("session: write group: %w", err)
	}

	// 3. Durable write.
	if Durability(c.hdr.durability) == DurabilityFull {
		if err := c.cfg.Writer.Commit(out.NewTopRef); err != nil {
			return 0, fmt.Errorf("session: durable commit: %w", err)
		}
	}

	// 4. Enter critical phase.
	c.hdr.commitInCriticalPhase = 1

	// 5. Grow the ring if it is full.
	if c.hdr.ringIsFull() {
		if err := c.growRingLocked(); err != nil {
			// The ring-buffer state may now be inconsistent; leave
			// commit_in_critical_phase set so the next begin_write fails
			// fast and forces a session restart, per §7.
			return 0, fmt.Errorf("session: grow ring: %w", err)
		}
	}

	// 6. Publish.
	next := c.hdr.ringGetNext()
	next.version = newVersion
	next.topRef = out.NewTopRef
	next.fileSize = out.FileSize
	c.hdr.ringUseNext()

	// 7. Exit critical phase.
	c.hdr.commitInCriticalPhase = 0

	// 8. Counters & broadcast, under the control mutex.
	if err := c.controlMutex.Lock(); err != nil {
		return newVersion, err
	}
	c.hdr.latestVersionNumber = newVersion
	c.hdr.numberOfVersions = newVersion - oldest + 1
	c.newCommit.broadcast()
	c.controlMutex.Unlock()

	if c.daemon != nil {
		c.daemon.notifyWorkToDo(newVersion)
	}

	return newVersion, nil
}

// growRingLocked implements §4.7 step 5: preallocate the backing file for
// entries+ringGrowthStep descriptors, remap, then splice in the new slots.
// Must be called with commit_in_critical_phase already set to 1, since a
// process crash here leaves the ring in the inconsistent state that flag
// exists to guard against.
func (c *Coordinator) growRingLocked() error {
	newEntries := c.hdr.entries + ringGrowthStep
	need := int(headerSize) + int(requiredOverflowSpace(newEntries))
	if err := c.seg.grow(need); err != nil {
		return err
	}
	c.hdr = c.seg.header()
	c.hdr.ringExpandTo(newEntries)
	c.localMaxEntry = c.hdr.entries
	return nil
}
