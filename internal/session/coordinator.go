package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Config is what a caller supplies to Open. It is the union of the
// session-level choices that must agree across every participant
// (Durability, History, EncryptionKey) and the purely local ones
// (TargetFileFormatVersion, Logger).
type Config struct {
	Durability              Durability
	History                 HistoryType
	EncryptionKey           []byte
	TargetFileFormatVersion uint8
	ReadOnly                bool
	NoCreate                bool
	ClearFile               bool

	Allocator            Allocator
	Writer               GroupWriter
	Replication          ReplicationHistory
	Upgrader             FileFormatUpgrader
	Logger               *log.Logger
	DiagCompression      string // "none" (default), "snappy", "lz4", "zstd"
	AsyncFsyncIntervalMS int    // 0 means use the built-in default
}

// Coordinator owns the open session for one participant: the mapped
// segment, the flock-based mutexes, and the futex-based condvars layered
// over it. Each Coordinator is one participant with its own file
// descriptors; a process may open more than one on the same database.
type Coordinator struct {
	dbPath   string
	lockPath string
	mgmtDir  string
	cfg      Config
	log      *log.Logger

	seg *segment
	hdr *header

	sharedLock *os.File // held for the coordinator's whole lifetime

	writeMutex   *procMutex
	controlMutex *procMutex
	balanceMutex *procMutex

	newCommit     *condVar
	roomToWrite   *condVar
	workToDo      *condVar
	daemonReadyCV *condVar

	localMaxEntry uint32 // m_local_max_entry: last ring.entries we've remapped for

	mu     sync.Mutex // guards the in-process fields below, not the shared ones
	state  transactState
	pinned *readLock

	changeNotify *changeNotifier
	daemon       *asyncDaemon
}

// Open implements the coordinator open protocol from spec.md §4.4.
func Open(dbPath string, cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "mvccsession: ", log.LstdFlags)
	}
	c := &Coordinator{
		dbPath:   dbPath,
		lockPath: dbPath + ".lock",
		mgmtDir:  dbPath + ".management",
		cfg:      cfg,
		log:      cfg.Logger,
		state:    stateReady,
	}
	if err := os.MkdirAll(c.mgmtDir, 0777); err != nil {
		return nil, fmt.Errorf("session: create management dir: %w", err)
	}
	if err := loadFileConfig(c.mgmtDir, &c.cfg); err != nil {
		return nil, err
	}

	for {
		joined, err := c.tryJoin()
		if err == errRetryOpen {
			continue
		}
		if err != nil {
			return nil, err
		}
		if joined {
			break
		}
	}

	if err := c.openPrimitives(); err != nil {
		return nil, err
	}

	if err := c.controlMutex.Lock(); err != nil {
		return nil, err
	}
	err := c.joinUnderControlMutex()
	c.controlMutex.Unlock()
	if err != nil {
		// This participant was never counted in num_participants, so it is
		// torn down here rather than through Close, which decrements it.
		if c.cfg.Allocator != nil {
			c.cfg.Allocator.DetachFile()
		}
		c.seg.close()
		for _, m := range []*procMutex{c.writeMutex, c.controlMutex, c.balanceMutex} {
			m.Close()
		}
		return nil, err
	}

	if c.hdr.fileFormatVersion < c.cfg.TargetFileFormatVersion {
		if c.cfg.Upgrader == nil {
			c.Close()
			return nil, &FileFormatUpgradeRequiredError{Stored: c.hdr.fileFormatVersion, Target: c.cfg.TargetFileFormatVersion}
		}
		if err := c.cfg.Upgrader.Upgrade(context.Background(), c.hdr.fileFormatVersion, c.cfg.TargetFileFormatVersion); err != nil {
			c.Close()
			return nil, fmt.Errorf("session: file format upgrade: %w", err)
		}
		c.hdr.fileFormatVersion = c.cfg.TargetFileFormatVersion
	}

	c.changeNotify = newChangeNotifier(c)
	if cfg.Durability == DurabilityAsync {
		c.daemon = newAsyncDaemon(c)
	}

	return c, nil
}

// errRetryOpen signals the step-2..4 race described in §4.4: another
// process truncated the file out from under us, or init_complete hadn't
// been set yet when we checked. The caller retries from the top.
var errRetryOpen = fmt.Errorf("session: transient open race, retry")

// tryJoin performs steps 1-5 of the open protocol. It returns joined=true
// once the session file exists, is fully initialized, and we hold a shared
// lock we intend to keep; it never leaves a shared lock held on failure.
func (c *Coordinator) tryJoin() (bool, error) {
	f, _, err := openSegmentFile(c.lockPath)
	if err != nil {
		return false, err
	}

	// Step 2: try (non-blocking) for the exclusive lock. Winning it means
	// no other participant currently holds even a shared lock, so it is
	// safe to (re)initialize the header; losing it just means someone
	// else already has, which is the common case after the first opener.
	if err := flockExclusiveNB(f); err == nil {
		// Winning the exclusive lock proves no other participant holds even
		// a shared lock on this file right now, so it is always safe to
		// (re)bootstrap — whether this is a brand-new lock file or one left
		// behind at full size by a session whose last participant has since
		// closed (Close never truncates it, matching the original). Gating
		// this on the file's current size would leave a stale ring, stale
		// descriptor chain links, and a possibly-stale
		// commit_in_critical_phase permanently stuck after every session but
		// the first.
		if err := c.bootstrapHeaderLocked(f); err != nil {
			funlock(f)
			f.Close()
			return false, err
		}
		funlock(f)
	} else if !isWouldBlock(err) {
		f.Close()
		return false, err
	}

	if err := flockShared(f); err != nil {
		f.Close()
		return false, err
	}

	info, err := f.Stat()
	if err != nil || info.Size() < int64(frozenPrefixSize) {
		funlock(f)
		f.Close()
		return false, errRetryOpen
	}

	seg, err := mapSegment(f, int(headerSize))
	if err != nil {
		funlock(f)
		f.Close()
		return false, err
	}
	if seg.header().initComplete != 1 {
		seg.close()
		funlock(f)
		return false, errRetryOpen
	}
	if err := seg.header().compatibilityCheck(); err != nil {
		seg.close()
		funlock(f)
		return false, err
	}

	// A session already in progress may have grown its ring past the
	// initialRingEntries embedded in header, in which case headerSize alone
	// no longer covers every live slot. Remap to the full current capacity
	// now, before localMaxEntry is set to entries — otherwise
	// growReaderMapping would see idx < localMaxEntry and skip the remap
	// it should have done, and descriptorAt would dereference bytes past
	// the mapping for any overflow slot.
	entries := seg.header().entries
	if need := int(headerSize) + int(requiredOverflowSpace(entries)); need > len(seg.data) {
		if err := seg.grow(need); err != nil {
			seg.close()
			funlock(f)
			return false, err
		}
	}

	c.sharedLock = f
	c.seg = seg
	c.hdr = seg.header()
	c.localMaxEntry = c.hdr.entries
	return true, nil
}

// bootstrapHeaderLocked implements §4.4 step 2: truncate to zero, write a
// fresh header with init_complete=0, then flip init_complete=1 as a
// separate, final store, so a concurrent joiner never observes a partially
// written header as complete.
func (c *Coordinator) bootstrapHeaderLocked(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("session: truncate for bootstrap: %w", err)
	}
	if err := f.Truncate(int64(headerSize)); err != nil {
		return fmt.Errorf("session: grow for bootstrap: %w", err)
	}
	seg, err := mapSegment(f, int(headerSize))
	if err != nil {
		return err
	}
	// Unmap only: seg.close would also close f, which tryJoin still needs
	// for its shared lock.
	defer syscall.Munmap(seg.data)

	h := seg.header()
	h.sizeOfMutex = mutexPlaceholderSize
	h.sizeOfCondvar = condvarPlaceholderSize
	h.sharedInfoVersion = layoutVersion
	h.seedRing()
	h.initComplete = 1
	return nil
}

// openPrimitives opens this process's private file descriptors onto the
// companion access_control.<tag> files and probes each one's liveness
// (§4.3) before trusting it: see procMutex.tryProbe's doc comment for why
// this can only ever find "healthy" or an I/O-level failure, never a
// stuck mutex left behind by a dead participant.
func (c *Coordinator) openPrimitives() error {
	var err error
	if c.writeMutex, err = openProcMutex(c.mgmtDir, "write"); err != nil {
		return err
	}
	if c.controlMutex, err = openProcMutex(c.mgmtDir, "control"); err != nil {
		return err
	}
	if c.balanceMutex, err = openProcMutex(c.mgmtDir, "balance"); err != nil {
		return err
	}
	for _, m := range []*procMutex{c.writeMutex, c.controlMutex, c.balanceMutex} {
		if err := m.tryProbe(); err != nil {
			return err
		}
	}
	c.newCommit = newCondVar(&c.hdr.newCommit)
	c.roomToWrite = newCondVar(&c.hdr.roomToWrite)
	c.workToDo = newCondVar(&c.hdr.workToDo)
	c.daemonReadyCV = newCondVar(&c.hdr.daemonReadyCV)
	return nil
}

// joinUnderControlMutex implements §4.4 steps 7-9.
func (c *Coordinator) joinUnderControlMutex() error {
	if c.hdr.numParticipants == 0 {
		return c.becomeSessionInitiator()
	}
	return c.joinExisting()
}

func (c *Coordinator) becomeSessionInitiator() error {
	topRef, fileSize, err := c.cfg.Allocator.AttachFile(c.dbPath, AttachConfig{
		SessionInitiator: true,
		IsShared:         true,
		ReadOnly:         c.cfg.ReadOnly,
		NoCreate:         c.cfg.NoCreate,
		ClearFile:        c.cfg.ClearFile,
		EncryptionKey:    c.cfg.EncryptionKey,
	})
	if err != nil {
		return &InvalidDatabaseError{Path: c.dbPath, Err: err}
	}

	storedVersion, storedHistory, err := c.cfg.Allocator.VersionAndHistoryType(topRef)
	if err != nil {
		return &InvalidDatabaseError{Path: c.dbPath, Err: err}
	}
	emptyFile := storedVersion == 0
	if !historyCompatible(c.cfg.History, storedHistory, emptyFile) {
		return newLogicError(MixedHistoryType, "requested=%s stored=%s", c.cfg.History, storedHistory)
	}

	initialVersion := storedVersion
	if initialVersion == 0 {
		initialVersion = 1
	}
	c.hdr.initVersioning(topRef, fileSize, initialVersion)
	c.hdr.durability = uint8(c.cfg.Durability)
	c.hdr.historyType = int8(c.cfg.History)
	c.hdr.latestVersionNumber = initialVersion
	c.hdr.numberOfVersions = 1
	c.hdr.sessionInitiatorPID = uint64(os.Getpid())
	c.hdr.numParticipants = 1
	return nil
}

func (c *Coordinator) joinExisting() error {
	if Durability(c.hdr.durability) != c.cfg.Durability {
		return newLogicError(MixedDurability, "requested=%s stored=%s", c.cfg.Durability, Durability(c.hdr.durability))
	}
	if HistoryType(c.hdr.historyType) != c.cfg.History {
		return newLogicError(MixedHistoryType, "requested=%s stored=%s", c.cfg.History, HistoryType(c.hdr.historyType))
	}
	if len(c.cfg.EncryptionKey) > 0 && c.hdr.sessionInitiatorPID != 0 {
		// Cross-process encryption-key agreement (supplemented from
		// group_shared.cpp): we cannot compare key material directly
		// across processes, so a joiner is only trusted to hold the right
		// key if it *is* the initiator (e.g. re-opening its own session
		// file) — a different process must fail fast rather than being let
		// in against an encrypted database it never received a key for.
		if uint64(os.Getpid()) != c.hdr.sessionInitiatorPID {
			return newLogicError(MixedEncryption, "encrypted session requires joining from initiator pid %d, got %d", c.hdr.sessionInitiatorPID, os.Getpid())
		}
	}

	if _, _, err := c.cfg.Allocator.AttachFile(c.dbPath, AttachConfig{
		SessionInitiator: false,
		IsShared:         true,
		ReadOnly:         c.cfg.ReadOnly,
		EncryptionKey:    c.cfg.EncryptionKey,
	}); err != nil {
		return &InvalidDatabaseError{Path: c.dbPath, Err: err}
	}

	c.hdr.numParticipants++
	return nil
}

// managementDir exposes the coordination directory to collaborators that
// need it (e.g. the diagnostic dump writer).
func (c *Coordinator) managementDir() string { return c.mgmtDir }

func (c *Coordinator) lockFilePath() string { return c.lockPath }

// Close implements §4.4's close protocol.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	switch c.state {
	case stateWriting:
		c.rollbackLocked()
	case stateReading:
		c.endReadLocked()
	}
	c.mu.Unlock()

	if c.daemon != nil {
		c.daemon.close()
	}

	if c.seg == nil {
		return nil
	}

	deleteFile := false
	if c.controlMutex != nil {
		c.controlMutex.Lock()
		if c.hdr.numParticipants > 0 {
			c.hdr.numParticipants--
		}
		deleteFile = c.hdr.numParticipants == 0 && Durability(c.hdr.durability) == DurabilityMemOnly
		c.controlMutex.Unlock()
	}

	if c.cfg.Allocator != nil {
		if err := c.cfg.Allocator.DetachFile(); err != nil {
			c.log.Printf("detach file: %v", err)
		}
	}

	if err := c.seg.close(); err != nil {
		c.log.Printf("unmap segment: %v", err)
	}
	if c.sharedLock != nil {
		funlock(c.sharedLock)
		c.sharedLock.Close()
	}
	for _, m := range []*procMutex{c.writeMutex, c.controlMutex, c.balanceMutex} {
		if m != nil {
			m.Close()
		}
	}

	if deleteFile {
		if err := os.Remove(c.dbPath); err != nil && !os.IsNotExist(err) {
			c.log.Printf("remove MemOnly database file: %v", err)
		}
	}
	return nil
}

// managementFilePath joins name onto the coordination directory.
func (c *Coordinator) managementFilePath(name string) string {
	return filepath.Join(c.mgmtDir, name)
}
