//go:build windows

package session

import (
	"fmt"
	"io"
	"os"
)

// renameCompactedFile on Windows: renaming over a file that another
// process still has open fails, per the open question in spec.md §9(c).
// We fall back to copying the compacted bytes over the original in place
// and truncating, then removing the tmp file, which preserves the
// original file's identity for any still-mapped view.
func renameCompactedFile(tmpPath, dbPath string) error {
	src, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer src.Close()
	defer os.Remove(tmpPath)

	dst, err := os.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := dst.Truncate(0); err != nil {
		return fmt.Errorf("truncate destination: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy compacted data: %w", err)
	}
	return dst.Sync()
}
