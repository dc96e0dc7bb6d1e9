package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional <db>.management/session.yaml document. It is
// read-only, optional, and never participates in the cross-process
// compatibility handshake (§6): every field here only seeds local-process
// defaults that Config's caller may also set directly. Config values set
// explicitly by the caller always win over the file.
type fileConfig struct {
	TargetFileFormatVersion *uint8 `yaml:"target_file_format_version"`
	DiagCompression         string `yaml:"diagnostic_compression"`
	AsyncFsyncIntervalMS    *int   `yaml:"async_fsync_interval_ms"`
}

// loadFileConfig reads <db>.management/session.yaml if present, applying
// its values onto cfg wherever the caller left the corresponding field at
// its zero value. A missing file is not an error.
func loadFileConfig(mgmtDir string, cfg *Config) error {
	path := mgmtDir + "/session.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("session: parse %s: %w", path, err)
	}

	if cfg.TargetFileFormatVersion == 0 && fc.TargetFileFormatVersion != nil {
		cfg.TargetFileFormatVersion = *fc.TargetFileFormatVersion
	}
	if cfg.DiagCompression == "" {
		cfg.DiagCompression = fc.DiagCompression
	}
	if cfg.AsyncFsyncIntervalMS == 0 && fc.AsyncFsyncIntervalMS != nil {
		cfg.AsyncFsyncIntervalMS = *fc.AsyncFsyncIntervalMS
	}
	return nil
}
