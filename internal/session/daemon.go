package session

import (
	"context"
	"sync"
	"time"
)

// maxFreeWriteSlots bounds how many commits may outrun the fsync daemon
// before a writer blocks in acquireWriteSlot, per §4.10.
const maxFreeWriteSlots = 16

// asyncFsyncInterval is how often the daemon goroutine flushes pending
// durable writes. It is a local default, overridable via session.yaml
// (see config.go); it never participates in the cross-process handshake.
const asyncFsyncInterval = 25 * time.Millisecond

// asyncDaemon is the in-process stand-in for group_shared.cpp's forked
// background writer. Go has no idiom for spawning a detached, re-execed
// daemon process from inside a library, so this runs as a goroutine in
// whichever process happens to start it; the daemon_started/daemon_ready
// handshake in the header still lets every participant agree on whether
// one is running, exactly as in the original.
type asyncDaemon struct {
	c *Coordinator

	startOnce sync.Once
	stop      chan struct{}

	// baseline is the version latest_version_number already held when this
	// goroutine was launched: it was never gated by acquireWriteSlot, so
	// run() must not credit a slot back for it. Set synchronously in
	// ensureStarted, strictly before the "go d.run()" that starts the
	// goroutine, so there is no race with the very commit that triggered
	// the start.
	baseline uint64
}

func newAsyncDaemon(c *Coordinator) *asyncDaemon {
	return &asyncDaemon{c: c, stop: make(chan struct{})}
}

// ensureStarted launches the fsync goroutine exactly once session-wide: the
// first begin_write to observe daemon_started==0, under the control mutex,
// wins the race and starts it.
func (d *asyncDaemon) ensureStarted(ctx context.Context) error {
	c := d.c
	if err := c.controlMutex.Lock(); err != nil {
		return err
	}
	shouldStart := c.hdr.daemonStarted == 0
	if shouldStart {
		c.hdr.daemonStarted = 1
		c.hdr.freeWriteSlots = maxFreeWriteSlots
		d.baseline = c.hdr.latestVersionNumber
	}
	c.controlMutex.Unlock()

	if shouldStart {
		d.startOnce.Do(func() { go d.run() })
		c.controlMutex.Lock()
		c.hdr.daemonReady = 1
		c.controlMutex.Unlock()
		c.daemonReadyCV.broadcast()
		return nil
	}

	for {
		c.controlMutex.Lock()
		ready := c.hdr.daemonReady == 1
		seq := c.daemonReadyCV.observe()
		c.controlMutex.Unlock()
		if ready {
			return nil
		}
		if err := c.daemonReadyCV.wait(ctx, seq, 100*time.Millisecond); err != nil && err != ErrFutexTimeout {
			return err
		}
	}
}

// acquireWriteSlot blocks until free_write_slots > 0, then claims one.
func (d *asyncDaemon) acquireWriteSlot(ctx context.Context) error {
	c := d.c
	for {
		if err := c.balanceMutex.Lock(); err != nil {
			return err
		}
		if c.hdr.freeWriteSlots > 0 {
			c.hdr.freeWriteSlots--
			c.balanceMutex.Unlock()
			return nil
		}
		seq := c.roomToWrite.observe()
		c.balanceMutex.Unlock()

		if err := c.roomToWrite.wait(ctx, seq, 10*time.Millisecond); err != nil && err != ErrFutexTimeout {
			return err
		}
	}
}

// releaseWriteSlot hands a slot back. A rollback or a failed BeginWrite
// that had already acquired one calls this itself, immediately, since no
// version was published and so nothing is left pending a flush. A
// successful commit does not call this directly: its slot stays charged
// against free_write_slots until the daemon's run loop has durably
// flushed that version, which is what gives free_write_slots its intended
// meaning of "how many commits may outrun the fsync cursor" rather than
// "how many writers may be mid-transaction" (moot anyway under the
// single-writer protocol).
func (d *asyncDaemon) releaseWriteSlot() {
	c := d.c
	c.balanceMutex.Lock()
	c.hdr.freeWriteSlots++
	c.balanceMutex.Unlock()
	c.roomToWrite.broadcast()
}

// notifyWorkToDo wakes the daemon after a commit publishes a new version,
// so it does not have to wait for its next timer tick to notice.
func (d *asyncDaemon) notifyWorkToDo(version uint64) {
	d.c.workToDo.broadcast()
}

func (d *asyncDaemon) run() {
	c := d.c
	interval := asyncFsyncInterval
	if c.cfg.AsyncFsyncIntervalMS > 0 {
		interval = time.Duration(c.cfg.AsyncFsyncIntervalMS) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastFlushed := d.baseline
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		case <-workToDoChan(c):
		}
		select {
		case <-d.stop:
			return
		default:
		}

		if err := c.controlMutex.Lock(); err != nil {
			// Close has already released this coordinator's mutexes.
			return
		}
		latest := c.hdr.latestVersionNumber
		idx := c.hdr.ringLast()
		c.controlMutex.Unlock()
		if latest == lastFlushed {
			continue
		}

		if c.cfg.Writer != nil {
			if err := c.cfg.Writer.Commit(c.hdr.descriptorAt(idx).topRef); err != nil {
				c.log.Printf("async daemon fsync: %v", err)
				continue
			}
		}
		for v := lastFlushed; v < latest; v++ {
			d.releaseWriteSlot()
		}
		lastFlushed = latest
	}
}

// workToDoChan adapts the futex-based workToDo condvar into a channel the
// daemon's select can multiplex against a ticker and a stop signal.
func workToDoChan(c *Coordinator) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		seq := c.workToDo.observe()
		c.workToDo.wait(nil, seq, 200*time.Millisecond)
		ch <- struct{}{}
	}()
	return ch
}

func (d *asyncDaemon) close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}
