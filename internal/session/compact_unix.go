//go:build unix

package session

import "os"

// renameCompactedFile on unix-like platforms: rename-over-open is safe,
// since an open file descriptor keeps referencing the old inode and the
// new name simply starts pointing at the freshly written one.
func renameCompactedFile(tmpPath, dbPath string) error {
	return os.Rename(tmpPath, dbPath)
}
