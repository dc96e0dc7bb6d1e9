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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// layoutVersion is shared_info_version from spec.md §6: it must be bumped
// whenever the header's memory layout or the meaning of any stored field
// changes.
const layoutVersion = 8

// mutexPlaceholderSize and condvarPlaceholderSize are the sizes recorded in
// the frozen prefix for cross-process layout agreement. True process-shared
// mutual exclusion is implemented via flock on a companion
// access_control.<tag> file (see mutex.go) rather than an in-memory
// pthread_mutex_t — Go has no portable way to mark a mutex
// PTHREAD_PROCESS_SHARED without cgo — so these placeholders exist purely
// so every participant agrees on the header's byte layout, exactly as the
// size fields in the original are used for that same purpose.
const (
	mutexPlaceholderSize   = 8
	condvarPlaceholderSize = 4
)

// procMutexSlot is the fixed-size placeholder for a process-shared mutex
// embedded in the header. It carries no synchronization state of its own;
// exclusion is provided out-of-band (mutex.go).
type procMutexSlot struct {
	_ uint64
}

// condVarSlot is the futex word a condVar waits/broadcasts on (condvar.go).
type condVarSlot struct {
	seq atomic.Uint32
}

// header is the fixed-layout structure mapped at the start of the session
// file. Its first eight bytes are frozen across every layout version so a
// joiner can run the compatibility probe (§4.3) before trusting anything
// else in the struct.
//
// header contains no Go pointers, slices, or interfaces — every field is a
// plain value type — because a pointer to this struct is obtained by
// reinterpreting raw mmap'd bytes shared with other processes; any Go
// reference type here would point into this process's private heap and be
// meaningless (or unsafe) to a sibling process.
//
// entries/putPos/oldPos/data together are the ring buffer from spec.md §3,
// and per that section they are deliberately the last fields of header so
// the backing file can be truncated larger and the ring extended in place
// (descriptorAt) without relocating anything declared above them.
type header struct {
	// --- frozen prefix (offsets 0..8), never moves across layout versions ---
	initComplete          uint8
	sizeOfMutex           uint8
	sizeOfCondvar         uint8
	commitInCriticalPhase uint8
	fileFormatVersion     uint8
	historyType           int8
	sharedInfoVersion     uint16

	// --- mutable scalars guarded by the control mutex ---
	numParticipants     uint32
	latestVersionNumber uint64
	numberOfVersions    uint64
	sessionInitiatorPID uint64
	durability          uint8
	daemonStarted       uint8
	daemonReady         uint8
	_                   uint8 // padding
	freeWriteSlots      int32
	_                   uint32 // padding

	// --- process-shared primitives ---
	writeMutex   procMutexSlot
	controlMutex procMutexSlot
	balanceMutex procMutexSlot

	newCommit     condVarSlot
	roomToWrite   condVarSlot
	workToDo      condVarSlot
	daemonReadyCV condVarSlot

	// --- ring buffer; must remain the last fields of header ---
	entries uint32
	putPos  atomic.Uint32
	oldPos  atomic.Uint32
	data    [initialRingEntries]descriptor
}

// frozenPrefixSize is the byte width of the portion of header that is
// guaranteed stable across every layout version (spec.md §6).
const frozenPrefixSize = 8

// headerSize is the byte size of header, from which a joiner computes where
// the overflow descriptor region (beyond the initial 32 slots) begins once
// the ring has grown past its initial allotment.
var headerSize = unsafe.Sizeof(header{})

func init() {
	if off := unsafe.Offsetof(header{}.numParticipants); off != frozenPrefixSize {
		panic(fmt.Sprintf("session: frozen prefix drifted: numParticipants at offset %d, want %d", off, frozenPrefixSize))
	}
	if sz := unsafe.Sizeof(descriptor{}); sz != descriptorSize {
		panic(fmt.Sprintf("session: descriptor size drifted: got %d, want %d", sz, descriptorSize))
	}
}

// compatibilityCheck implements the joiner-side checks from §4.3: layout
// version and embedded mutex/condvar size. The liveness probe on a
// process-shared primitive is performed separately, by openPrimitives via
// procMutex.tryProbe, since this implementation's mutexes are flock-based.
func (h *header) compatibilityCheck() error {
	if h.sharedInfoVersion != layoutVersion {
		return &IncompatibleLockFileError{Reason: fmt.Sprintf("layout version %d != %d", h.sharedInfoVersion, layoutVersion)}
	}
	if h.sizeOfMutex != mutexPlaceholderSize {
		return &IncompatibleLockFileError{Reason: fmt.Sprintf("mutex size %d != %d", h.sizeOfMutex, mutexPlaceholderSize)}
	}
	if h.sizeOfCondvar != condvarPlaceholderSize {
		return &IncompatibleLockFileError{Reason: fmt.Sprintf("condvar size %d != %d", h.sizeOfCondvar, condvarPlaceholderSize)}
	}
	return nil
}

// seedRing initializes a fresh header's ring to initialRingEntries slots,
// chained circularly, with slot 0 live (count=0) and every other slot free
// (count=1). It must only be called once, on a just-truncated, still
// init_complete==0 header.
func (h *header) seedRing() {
	h.entries = initialRingEntries
	for i := range h.data {
		h.data[i].count.store(1)
		h.data[i].next = uint32(i + 1)
	}
	h.data[initialRingEntries-1].next = 0
	h.data[0].count.store(0)
	h.putPos.Store(0)
	h.oldPos.Store(0)
}

// initVersioning re-initializes the seed snapshot in slot 0 to carry the
// database's current {topRef, fileSize, version}. Precondition (matching
// Ringbuffer::reinit_last in the original): only the session initiator,
// under the control mutex, with no other participant yet observing the
// ring.
func (h *header) initVersioning(topRef, fileSize, initialVersion uint64) {
	r := h.descriptorAt(h.putPos.Load())
	r.version = initialVersion
	r.fileSize = fileSize
	r.topRef = topRef
	r.count.store(0)
}
