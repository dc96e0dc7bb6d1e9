package session

import (
	"context"
	"sync"
)

// changeNotifier implements §4.8. wait_for_change_enabled is process-local
// (per SPEC_FULL §3), so it lives here rather than in the shared header.
type changeNotifier struct {
	c *Coordinator

	mu      sync.Mutex
	enabled bool
}

func newChangeNotifier(c *Coordinator) *changeNotifier {
	return &changeNotifier{c: c, enabled: true}
}

// HasChanged compares the caller's pinned version against the latest
// published one.
func (c *Coordinator) HasChanged() bool {
	c.mu.Lock()
	pinned := uint64(0)
	if c.pinned != nil {
		pinned = c.pinned.version
	}
	c.mu.Unlock()
	return pinned != c.hdr.latestVersionNumber
}

// WaitForChange blocks until a newer version is published, ctx is
// canceled, or WaitForChangeRelease is called. It is safe to call while
// Reading; calling while Writing would deadlock against one's own commit
// and is rejected.
func (c *Coordinator) WaitForChange(ctx context.Context) error {
	n := c.changeNotify
	for {
		c.mu.Lock()
		if c.state == stateWriting {
			c.mu.Unlock()
			return newLogicError(WrongTransactState, "wait_for_change from %s would deadlock against its own commit", c.state)
		}
		pinned := uint64(0)
		if c.pinned != nil {
			pinned = c.pinned.version
		}
		c.mu.Unlock()

		n.mu.Lock()
		enabled := n.enabled
		n.mu.Unlock()

		if !enabled || pinned != c.hdr.latestVersionNumber {
			return nil
		}

		if err := c.controlMutex.Lock(); err != nil {
			return err
		}
		seq := c.newCommit.observe()
		c.controlMutex.Unlock()

		if err := c.newCommit.wait(ctx, seq, 0); err != nil {
			return err
		}
	}
}

// WaitForChangeRelease disables waiting and wakes every waiter
// immediately; they return without error, observing whatever state holds.
func (c *Coordinator) WaitForChangeRelease() {
	n := c.changeNotify
	n.mu.Lock()
	n.enabled = false
	n.mu.Unlock()
	c.newCommit.broadcast()
}

// EnableWaitForChange re-enables WaitForChange after a prior Release.
func (c *Coordinator) EnableWaitForChange() {
	n := c.changeNotify
	n.mu.Lock()
	n.enabled = true
	n.mu.Unlock()
}
