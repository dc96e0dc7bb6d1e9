package session

// NumParticipants returns the number of coordinators currently holding
// this session open, read under the control mutex.
func (c *Coordinator) NumParticipants() uint32 {
	c.controlMutex.Lock()
	defer c.controlMutex.Unlock()
	return c.hdr.numParticipants
}

// LatestVersionNumber returns the most recently published version.
func (c *Coordinator) LatestVersionNumber() uint64 {
	return c.hdr.latestVersionNumber
}

// NumberOfVersions returns the count of currently live versions.
func (c *Coordinator) NumberOfVersions() uint64 {
	return c.hdr.numberOfVersions
}

// PinnedVersionID reports the token for the transaction's current pin, if
// any, suitable for a later BeginReadAt.
func (c *Coordinator) PinnedVersionID() (VersionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return VersionID{}, false
	}
	return VersionID{Version: c.pinned.version, Index: c.pinned.index}, true
}

// TopRefAndFileSize reports the pinned snapshot's {top_ref, file_size},
// for a caller that needs to re-derive them without re-pinning.
func (c *Coordinator) TopRefAndFileSize() (topRef, fileSize uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return 0, 0, false
	}
	return c.pinned.topRef, c.pinned.fileSize, true
}
