package session

import "context"

// AttachConfig carries the knobs the Allocator needs to open the backing
// database file. It is opaque to the coordinator beyond what it must pass
// through from the open protocol.
type AttachConfig struct {
	SessionInitiator bool
	IsShared         bool
	ReadOnly         bool
	SkipValidate     bool
	NoCreate         bool
	ClearFile        bool
	EncryptionKey    []byte
}

// Allocator is the on-disk slab allocator. It is an external collaborator:
// this package never interprets the bytes of the database file, only the
// {top_ref, file_size} pair an Allocator hands back.
type Allocator interface {
	// AttachFile opens (and if needed creates) the database file and
	// returns the root ref of its current top (the most recently committed
	// snapshot's B-tree forest root) along with that snapshot's file_size,
	// so a session initiator can seed the ring's first entry with a
	// {top_ref, file_size} pair that actually matches what is on disk.
	AttachFile(path string, cfg AttachConfig) (topRef, fileSize uint64, err error)
	// DetachFile releases resources associated with a prior AttachFile.
	DetachFile() error
	// VersionAndHistoryType inspects the database file (without a live
	// transaction) and reports the version number and history type that
	// were last committed to it.
	VersionAndHistoryType(topRef uint64) (version uint64, stored HistoryType, err error)
	// ResetFreeSpaceTracking discards any in-process free-space caches so
	// a fresh read transaction's view is consistent with what commit
	// published.
	ResetFreeSpaceTracking() error
	// RemapAndUpdateRefs re-maps the underlying file mapping (if it grew)
	// and rebases any cached pointers on the new {topRef, fileSize}.
	RemapAndUpdateRefs(topRef, fileSize uint64) error
	// CompactTo writes a defragmented copy of the live snapshot's reachable
	// nodes to destPath and reports its new {topRef, fileSize}. Compact
	// calls this while holding the only live pin on the session, so the
	// Allocator may assume a stable, single-reader view of the database.
	CompactTo(destPath string) (topRef, fileSize uint64, err error)
}

// WriteGroupInput bundles what GroupWriter needs to serialize a commit.
type WriteGroupInput struct {
	NewVersion uint64
	OldestLive uint64
}

// WriteGroupOutput is what a GroupWriter hands back to the commit pipeline.
type WriteGroupOutput struct {
	NewTopRef uint64
	FileSize  uint64
}

// GroupWriter serializes changed nodes of the in-memory group to the
// backing file and reports the new top ref. It is an external collaborator:
// the commit pipeline calls it once per commit and otherwise does not
// concern itself with node layout.
type GroupWriter interface {
	WriteGroup(in WriteGroupInput) (WriteGroupOutput, error)
	// Commit performs the durability-specific finalization (e.g. fsync).
	// The commit pipeline calls it for DurabilityFull; under
	// DurabilityAsync the async daemon calls it after commits instead.
	// It is never called for MemOnly.
	Commit(newTopRef uint64) error
}

// ReplicationHistory is the hook into replication/history log bookkeeping.
// The commit pipeline informs it of trims and aborts; it never blocks a
// commit that has already begun publishing.
type ReplicationHistory interface {
	// TrimTo tells the history to drop entries older than oldest.
	TrimTo(oldest uint64) error
	// Abort is called on rollback.
	Abort() error
	// InitiateWriteTransact is called by begin_write before the writer is
	// granted the write mutex's payload access; it lets replication stage
	// any state it needs for the upcoming write.
	InitiateWriteTransact(ctx context.Context) error
}

// FileFormatUpgrader performs the file-format upgrade logic under a write
// transaction when the stored format is behind the target. It is an
// external collaborator so that format-specific migration code never lives
// in the MVCC core.
type FileFormatUpgrader interface {
	Upgrade(ctx context.Context, stored, target uint8) error
}
