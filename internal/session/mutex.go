//go:build unix

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// procMutex is a process-shared mutual exclusion lock implemented with
// flock on a companion access_control.<tag> file, rather than an in-memory
// pthread_mutex_t marked PTHREAD_PROCESS_SHARED: Go cannot express that
// attribute without cgo. The companion file lives in <db>.management/ next
// to the session's lock file.
//
// flock is associated with the open file description, not the calling
// thread: two goroutines of the same process sharing one *os.File would
// both observe LOCK_EX succeed immediately on the same fd, since the
// second call is a no-op against a lock that fd already holds. flock
// alone therefore only serializes across processes, each with its own fd;
// mu provides the missing intra-process serialization among a single
// process's own goroutines contending for the same procMutex.
//
// This substitution changes the liveness-probe story the original design
// relies on: flock is tied to the holding file descriptor and the kernel
// releases it unconditionally when the owning process exits or closes the
// fd, for any reason including a crash. There is therefore no
// PTHREAD_MUTEX_ROBUST / EOWNERDEAD case to detect here — a probe that
// finds the mutex held always means a live holder, not an abandoned one.
type procMutex struct {
	tag  string
	file *os.File
	mu   sync.Mutex
}

// openProcMutex opens (creating if needed) the companion file for tag under
// managementDir. Every participant opens its own *os.File for the same
// path; flock's locking granularity is per-open-file-description, which is
// exactly the semantics we want (one process, one fd, one vote).
func openProcMutex(managementDir, tag string) (*procMutex, error) {
	if err := os.MkdirAll(managementDir, 0777); err != nil {
		return nil, fmt.Errorf("session: create management dir: %w", err)
	}
	path := filepath.Join(managementDir, "access_control."+tag)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	return &procMutex{tag: tag, file: f}, nil
}

func (m *procMutex) Lock() error {
	m.mu.Lock()
	if err := flockExclusive(m.file); err != nil {
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *procMutex) Unlock() error {
	err := funlock(m.file)
	m.mu.Unlock()
	return err
}

func (m *procMutex) Close() error { return m.file.Close() }

// tryProbe reports whether the mutex is in a usable state. Per the type's
// doc comment, this can never observe "stuck" the way a robust pthread
// mutex could: either the lock is free (we get it, and release it
// immediately) or it is held by a process that is, by construction, alive.
// Both outcomes mean the mutex is healthy; only an I/O-level flock failure
// (e.g. the companion file lives on a filesystem that doesn't support
// flock) is reported as an error.
func (m *procMutex) tryProbe() error {
	err := flockExclusiveNB(m.file)
	if err == nil {
		return funlock(m.file)
	}
	if isWouldBlock(err) {
		return nil
	}
	return &IncompatibleLockFileError{Reason: fmt.Sprintf("mutex %q probe failed: %v", m.tag, err)}
}
