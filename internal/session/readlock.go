package session

// LatestVersion is the zero value of VersionID.Version, reserved so it can
// never collide with a real version number (versioning starts at 1).
const LatestVersion uint64 = 0

// VersionID names a specific snapshot a caller previously observed, so it
// can ask to pin exactly that one again later (e.g. after a transaction
// that recorded it and released its pin).
type VersionID struct {
	Version uint64
	Index   uint32
}

// readLock is the opaque token grab_read_lock hands back: which ring slot
// is pinned, and the snapshot it names.
type readLock struct {
	index    uint32
	version  uint64
	topRef   uint64
	fileSize uint64
}

// grabReadLock implements §4.5's grab_read_lock for the LATEST sentinel:
// it pins whatever ring.last() names right now. Pinning a specific,
// previously-observed version requires its ring index too (there is no
// way to find a version by value alone), so that case is grabReadLockAt.
func (c *Coordinator) grabReadLock() (*readLock, error) {
	for {
		idx := c.hdr.ringLast()
		if c.growReaderMapping(idx) {
			continue
		}
		d := c.hdr.descriptorAt(idx)
		if !d.count.doubleIncIfEven() {
			continue
		}
		return &readLock{index: idx, version: d.version, topRef: d.topRef, fileSize: d.fileSize}, nil
	}
}

// grabReadLockAt pins a specific previously-observed {version, index}.
// Unlike grabReadLock it does not retry forever: if the
// slot no longer holds that version (because cleanup recycled it), or a
// handful of pin attempts lose the race to the writer's free_bit toggle
// while the slot is clearly no longer the oldest live one, it raises
// ErrBadVersion rather than spinning.
func (c *Coordinator) grabReadLockAt(id VersionID) (*readLock, error) {
	const maxAttempts = 1000
	for attempt := 0; ; attempt++ {
		if c.growReaderMapping(id.Index) {
			continue
		}
		d := c.hdr.descriptorAt(id.Index)
		if d.count.doubleIncIfEven() {
			if d.version != id.Version {
				d.count.doubleDec()
				return nil, ErrBadVersion
			}
			return &readLock{index: id.Index, version: d.version, topRef: d.topRef, fileSize: d.fileSize}, nil
		}
		if attempt >= maxAttempts || id.Index != c.hdr.ringOldestIndex() {
			return nil, ErrBadVersion
		}
	}
}

// releaseReadLock implements §4.5's release_read_lock.
func (c *Coordinator) releaseReadLock(l *readLock) {
	c.growReaderMapping(l.index)
	c.hdr.descriptorAt(l.index).count.doubleDec()
}

// growReaderMapping implements §4.5's grow_reader_mapping: if index names
// a slot beyond what this process has ever mapped, re-read entries from
// the header and, if it has actually grown, remap the segment to cover the
// new descriptors. Returns true if a remap happened, in which case any
// previously taken header/descriptor pointer may be stale and the caller
// must restart its operation.
func (c *Coordinator) growReaderMapping(index uint32) bool {
	if index < c.localMaxEntry {
		return false
	}
	entries := c.hdr.entries
	if entries <= c.localMaxEntry {
		return false
	}
	need := int(headerSize) + int(requiredOverflowSpace(entries))
	if need > len(c.seg.data) {
		if err := c.seg.grow(need); err != nil {
			c.log.Printf("grow reader mapping: %v", err)
			return false
		}
		c.hdr = c.seg.header()
	}
	c.localMaxEntry = entries
	return true
}

// ensureFullRingMapped guarantees this process has mapped the ring's entire
// current capacity, independent of any one slot index — mirroring the
// original's grow_reader_mapping(get_num_entries()) call before cleanup(),
// since cleanup walks old_pos all the way to put_pos and may cross into
// overflow slots this process has never had reason to touch individually.
func (c *Coordinator) ensureFullRingMapped() {
	c.growReaderMapping(c.hdr.entries)
}
