package session

import (
	"fmt"
	"io"
	"os"
)

// FlatFileAllocator is a minimal Allocator/GroupWriter pair for callers
// that don't need a real node-level slab allocator (cmd/sessionctl, and
// tests that only exercise the coordinator's own protocol): it treats the
// database file as an opaque append-only blob and uses the file's length
// as the "top_ref", i.e. the offset a snapshot's payload starts at doesn't
// matter to this package — only that {top_ref, file_size} round-trips.
// Anything that actually needs a B-tree forest and real node GC must
// supply its own Allocator/GroupWriter satisfying the same interfaces.
type FlatFileAllocator struct {
	path string
	f    *os.File
}

func (a *FlatFileAllocator) AttachFile(path string, cfg AttachConfig) (uint64, uint64, error) {
	flags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return 0, 0, fmt.Errorf("flatfile: open %s: %w", path, err)
	}
	a.path = path
	a.f = f
	info, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("flatfile: stat: %w", err)
	}
	// This shim has no root-ref/file-length distinction: the whole file is
	// the payload, so top_ref and file_size are both just its length.
	return uint64(info.Size()), uint64(info.Size()), nil
}

func (a *FlatFileAllocator) DetachFile() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

func (a *FlatFileAllocator) VersionAndHistoryType(topRef uint64) (uint64, HistoryType, error) {
	if topRef == 0 {
		return 0, HistoryNone, nil
	}
	return 1, HistoryNone, nil
}

func (a *FlatFileAllocator) ResetFreeSpaceTracking() error { return nil }

func (a *FlatFileAllocator) RemapAndUpdateRefs(topRef, fileSize uint64) error { return nil }

// WriteGroup appends nothing (there is no pending in-memory group to
// serialize in this shim) and simply reports the file's current length as
// both the new top_ref and file_size, so commit's bookkeeping still
// advances correctly for callers that only care about the session
// protocol, not actual payload bytes.
func (a *FlatFileAllocator) WriteGroup(in WriteGroupInput) (WriteGroupOutput, error) {
	if a.f == nil {
		return WriteGroupOutput{}, fmt.Errorf("flatfile: write group: not attached")
	}
	info, err := a.f.Stat()
	if err != nil {
		return WriteGroupOutput{}, fmt.Errorf("flatfile: stat: %w", err)
	}
	return WriteGroupOutput{NewTopRef: uint64(info.Size()), FileSize: uint64(info.Size())}, nil
}

func (a *FlatFileAllocator) Commit(newTopRef uint64) error {
	if a.f == nil {
		return nil
	}
	return a.f.Sync()
}

// CompactTo copies the current file's bytes verbatim to destPath: since
// this shim tracks no node graph to defragment, "compaction" degenerates
// to a plain copy, and the new top_ref/file_size are just destPath's
// resulting length, identical to the source's.
func (a *FlatFileAllocator) CompactTo(destPath string) (uint64, uint64, error) {
	if a.f == nil {
		return 0, 0, fmt.Errorf("flatfile: compact: not attached")
	}
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("flatfile: compact: seek source: %w", err)
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return 0, 0, fmt.Errorf("flatfile: compact: open dest: %w", err)
	}
	defer dst.Close()
	n, err := io.Copy(dst, a.f)
	if err != nil {
		return 0, 0, fmt.Errorf("flatfile: compact: copy: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return 0, 0, fmt.Errorf("flatfile: compact: sync dest: %w", err)
	}
	return uint64(n), uint64(n), nil
}
