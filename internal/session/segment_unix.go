//go:build unix

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package session

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// segment is a live mapping of the session's ".lock" file. The file always
// holds exactly one header at offset 0; grow extends it and remaps.
type segment struct {
	file *os.File
	data []byte // syscall.Mmap result; data[0] aliases *header
}

// openSegmentFile opens (creating if necessary) the companion lock file
// sitting next to the database at path. Every participant, including the
// session initiator, goes through this same call; who actually initializes
// the header is decided by the flock handshake in coordinator.go.
func openSegmentFile(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, false, fmt.Errorf("session: open lock file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("session: stat lock file: %w", err)
	}
	return f, info.Size() == 0, nil
}

// mapSegment mmaps size bytes of f starting at offset 0 and returns a
// segment whose header pointer aliases the mapping. size must already be
// >= headerSize; callers truncate first.
func mapSegment(f *os.File, size int) (*segment, error) {
	data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("session: mmap: %w", err)
	}
	if len(data) < int(headerSize) {
		syscall.Munmap(data)
		return nil, ErrSegmentTooSmall
	}
	return &segment{file: f, data: data}, nil
}

// header returns the struct view over the mapping's first headerSize bytes.
func (s *segment) header() *header {
	return (*header)(unsafe.Pointer(&s.data[0]))
}

// descriptorRegionLen is how many bytes beyond headerSize are currently
// mapped, i.e. the overflow ring storage available to descriptorAt.
func (s *segment) descriptorRegionLen() int {
	return len(s.data) - int(headerSize)
}

// grow extends the backing file to newSize and remaps it. Every other
// participant must independently notice the ring has grown (by comparing
// h.entries against its own last-seen value) and call grow themselves
// before touching any descriptor beyond the old mapping's bounds.
func (s *segment) grow(newSize int) error {
	if err := s.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("session: truncate lock file: %w", err)
	}
	if err := syscall.Munmap(s.data); err != nil {
		return fmt.Errorf("session: munmap before regrow: %w", err)
	}
	data, err := syscall.Mmap(int(s.file.Fd()), 0, newSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("session: remmap: %w", err)
	}
	s.data = data
	return nil
}

func (s *segment) close() error {
	if err := syscall.Munmap(s.data); err != nil {
		return fmt.Errorf("session: munmap: %w", err)
	}
	return s.file.Close()
}

// flockExclusive/flockShared/funlock implement the open-protocol handshake
// (§4.4 steps 1-4): an exclusive lock lets the winner initialize the header
// alone, then everyone downgrades to (or directly takes) a shared lock that
// is held for the process's entire session lifetime, which is also what
// lets a liveness probe on the companion mutex files distinguish a live
// owner from a crashed one (flock releases automatically on process exit).
func flockExclusive(f *os.File) error {
	return flockRetryEINTR(f, syscall.LOCK_EX)
}

func flockExclusiveNB(f *os.File) error {
	return flockRetryEINTR(f, syscall.LOCK_EX|syscall.LOCK_NB)
}

func flockShared(f *os.File) error {
	return flockRetryEINTR(f, syscall.LOCK_SH)
}

func funlock(f *os.File) error {
	return flockRetryEINTR(f, syscall.LOCK_UN)
}

func flockRetryEINTR(f *os.File, how int) error {
	for {
		err := syscall.Flock(int(f.Fd()), how)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("session: flock: %w", err)
		}
		return nil
	}
}

// isWouldBlock reports whether err is the non-blocking-lock-contended
// outcome of a LOCK_NB flock attempt, as opposed to a genuine I/O failure.
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
