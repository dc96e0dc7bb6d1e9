package session

import "context"

// transactState is the Ready/Reading/Writing state machine from §4.6.
type transactState int

const (
	stateReady transactState = iota
	stateReading
	stateWriting
)

func (s transactState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	default:
		return "unknown"
	}
}

// BeginRead moves Ready -> Reading, pinning whatever version.last() names
// right now, and returns the {top_ref, file_size} the caller's Allocator
// should attach read-only. To pin a specific, previously observed version
// instead, use BeginReadAt.
func (c *Coordinator) BeginRead() (topRef, fileSize uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return 0, 0, newLogicError(WrongTransactState, "begin_read from %s", c.state)
	}

	lock, err := c.grabReadLock()
	if err != nil {
		return 0, 0, err
	}
	c.pinned = lock
	c.state = stateReading
	return lock.topRef, lock.fileSize, nil
}

// BeginReadAt is BeginRead for a specific, previously observed version.
func (c *Coordinator) BeginReadAt(id VersionID) (topRef, fileSize uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return 0, 0, newLogicError(WrongTransactState, "begin_read from %s", c.state)
	}

	lock, err := c.grabReadLockAt(id)
	if err != nil {
		return 0, 0, err
	}
	c.pinned = lock
	c.state = stateReading
	return lock.topRef, lock.fileSize, nil
}

// EndRead moves Reading -> Ready. Idempotent from Ready.
func (c *Coordinator) EndRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReadLocked()
}

func (c *Coordinator) endReadLocked() error {
	if c.state == stateReady {
		return nil
	}
	if c.state != stateReading {
		return newLogicError(WrongTransactState, "end_read from %s", c.state)
	}
	c.releaseReadLock(c.pinned)
	c.pinned = nil
	if c.cfg.Allocator != nil {
		c.cfg.Allocator.ResetFreeSpaceTracking()
	}
	c.state = stateReady
	return nil
}

// BeginWrite moves Ready -> Writing, per §4.6.
func (c *Coordinator) BeginWrite(ctx context.Context) (topRef, fileSize uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return 0, 0, newLogicError(WrongTransactState, "begin_write from %s", c.state)
	}

	if err := c.writeMutex.Lock(); err != nil {
		return 0, 0, err
	}

	if c.hdr.commitInCriticalPhase == 1 {
		c.writeMutex.Unlock()
		c.dumpCrashDiagnostic("begin_write observed commit_in_critical_phase")
		return 0, 0, ErrSessionRestartRequired
	}

	if c.daemon != nil {
		if err := c.daemon.ensureStarted(ctx); err != nil {
			c.writeMutex.Unlock()
			return 0, 0, err
		}
		if err := c.daemon.acquireWriteSlot(ctx); err != nil {
			c.writeMutex.Unlock()
			return 0, 0, err
		}
	}

	lock, err := c.grabReadLock()
	if err != nil {
		if c.daemon != nil {
			c.daemon.releaseWriteSlot()
		}
		c.writeMutex.Unlock()
		return 0, 0, err
	}

	if c.cfg.Replication != nil {
		if err := c.cfg.Replication.InitiateWriteTransact(ctx); err != nil {
			c.releaseReadLock(lock)
			if c.daemon != nil {
				c.daemon.releaseWriteSlot()
			}
			c.writeMutex.Unlock()
			return 0, 0, err
		}
	}

	c.pinned = lock
	c.state = stateWriting
	return lock.topRef, lock.fileSize, nil
}

// Commit moves Writing -> Ready, running the commit pipeline.
func (c *Coordinator) Commit() (newVersion uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateWriting {
		return 0, newLogicError(WrongTransactState, "commit from %s", c.state)
	}

	newVersion, err = c.runCommitPipeline()
	c.releaseReadLock(c.pinned)
	c.pinned = nil
	if c.daemon != nil && err != nil && newVersion == 0 {
		// runCommitPipeline returns newVersion 0 from every error path
		// before step 6, so such a commit published nothing, nothing is
		// left pending a flush, and the slot can be freed right away. A
		// commit that published (even one whose step 8 then failed) keeps
		// its slot until the daemon has durably fsynced that version
		// (daemon.go's run loop).
		c.daemon.releaseWriteSlot()
	}
	c.writeMutex.Unlock()
	c.state = stateReady
	return newVersion, err
}

// Rollback moves Writing -> Ready without committing. Idempotent from
// Ready.
func (c *Coordinator) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked()
}

func (c *Coordinator) rollbackLocked() error {
	if c.state == stateReady {
		return nil
	}
	if c.state != stateWriting {
		return newLogicError(WrongTransactState, "rollback from %s", c.state)
	}
	c.releaseReadLock(c.pinned)
	c.pinned = nil
	if c.daemon != nil {
		c.daemon.releaseWriteSlot()
	}
	c.writeMutex.Unlock()
	c.state = stateReady
	if c.cfg.Replication != nil {
		if err := c.cfg.Replication.Abort(); err != nil {
			c.log.Printf("replication abort: %v", err)
		}
	}
	return nil
}

// CommitAndContinueAsRead moves Writing -> Reading: it commits, then pins
// the version it just published (guaranteed to be ours, since we have not
// yet released the write mutex) before releasing the write mutex.
func (c *Coordinator) CommitAndContinueAsRead() (topRef, fileSize uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateWriting {
		return 0, 0, newLogicError(WrongTransactState, "commit_and_continue_as_read from %s", c.state)
	}

	_, err = c.runCommitPipeline()
	oldPin := c.pinned
	if err != nil {
		c.releaseReadLock(oldPin)
		c.pinned = nil
		if c.daemon != nil {
			c.daemon.releaseWriteSlot()
		}
		c.writeMutex.Unlock()
		c.state = stateReady
		return 0, 0, err
	}

	// The commit above already succeeded and published a new version, so
	// this transaction's write slot stays charged until the daemon flushes
	// it, regardless of whether re-pinning as a reader below also
	// succeeds.
	newLock, lockErr := c.grabReadLock()
	c.releaseReadLock(oldPin)
	c.writeMutex.Unlock()
	if lockErr != nil {
		c.pinned = nil
		c.state = stateReady
		return 0, 0, lockErr
	}

	c.pinned = newLock
	c.state = stateReading
	if c.cfg.Allocator != nil {
		if remapErr := c.cfg.Allocator.RemapAndUpdateRefs(newLock.topRef, newLock.fileSize); remapErr != nil {
			return 0, 0, remapErr
		}
	}
	return newLock.topRef, newLock.fileSize, nil
}
