package session

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/latticedb/mvccsession/internal/diagcompress"
)

// diagMagic marks the start of a diagnostic dump file, so a reader can
// tell a truncated/foreign file from a genuine one before trusting the
// checksum.
var diagMagic = [4]byte{'M', 'V', 'C', 'D'}

// dumpCrashDiagnostic implements §4.11: a best-effort snapshot of the
// session header's scalars and the ring's live/free slot listing, written
// to <db>.management/crash-<unix-nanos>.diag. Any failure here is logged
// and swallowed — it must never mask the crash-recovery error that
// triggered it.
func (c *Coordinator) dumpCrashDiagnostic(reason string) {
	payload := c.renderDiagnostic(reason)

	compressed, err := diagcompress.Compress(c.diagCompression(), payload)
	if err != nil {
		c.log.Printf("diagnostic dump: compress: %v", err)
		return
	}

	sum := xxh3.Hash(compressed)
	var header [13]byte
	copy(header[:4], diagMagic[:])
	header[4] = byte(c.diagCompression())
	binary.LittleEndian.PutUint64(header[5:13], sum)

	path := filepath.Join(c.mgmtDir, fmt.Sprintf("crash-%d.diag", time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		c.log.Printf("diagnostic dump: open: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(header[:]); err != nil {
		c.log.Printf("diagnostic dump: write header: %v", err)
		return
	}
	if _, err := f.Write(compressed); err != nil {
		c.log.Printf("diagnostic dump: write body: %v", err)
		return
	}
	c.log.Printf("wrote diagnostic dump %s (%s)", path, reason)
}

// diagCompression is the local default; it is overridable via
// session.yaml (config.go) and never participates in cross-process
// compatibility checks.
func (c *Coordinator) diagCompression() diagcompress.Type {
	if c.cfg.DiagCompression != "" {
		if t, err := diagcompress.ParseType(c.cfg.DiagCompression); err == nil {
			return t
		}
	}
	return diagcompress.None
}

func (c *Coordinator) renderDiagnostic(reason string) []byte {
	var buf []byte
	line := func(format string, args ...any) {
		buf = append(buf, []byte(fmt.Sprintf(format, args...)+"\n")...)
	}

	line("reason: %s", reason)
	line("pid: %d", os.Getpid())
	line("shared_info_version: %d", c.hdr.sharedInfoVersion)
	line("commit_in_critical_phase: %d", c.hdr.commitInCriticalPhase)
	line("num_participants: %d", c.hdr.numParticipants)
	line("latest_version_number: %d", c.hdr.latestVersionNumber)
	line("number_of_versions: %d", c.hdr.numberOfVersions)
	line("durability: %s", Durability(c.hdr.durability))
	line("history_type: %s", HistoryType(c.hdr.historyType))
	line("ring.entries: %d", c.hdr.entries)
	line("ring.put_pos: %d", c.hdr.putPos.Load())
	line("ring.old_pos: %d", c.hdr.oldPos.Load())

	idx := c.hdr.oldPos.Load()
	for i := uint32(0); i < c.hdr.entries; i++ {
		d := c.hdr.descriptorAt(idx)
		state := "live"
		if d.count.isFree() {
			state = "free"
		}
		line("slot[%d]: version=%d readers=%d state=%s", idx, d.version, d.count.readers(), state)
		if idx == c.hdr.putPos.Load() {
			break
		}
		idx = d.next
	}
	return buf
}
