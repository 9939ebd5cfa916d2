// SPDX-License-Identifier: MIT

package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
)

// WriteFileAtomic writes data to path via a temp-file-then-rename on the
// same filesystem, the shared-resource policy spec.md §5 requires of every
// writer that must appear atomic to readers (owner records, job files,
// status heartbeats, the poller's users file).
//
// Reference: config.Config.saveWith in the teacher repo, which hand-rolls
// the same temp+rename+chmod sequence per call site; this puts it behind
// github.com/natefinch/atomic for the callers above. Config saves
// (internal/config) keep their own temp+rename sequence and do not use it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	// natefinch/atomic does not expose a permission argument; the rename
	// target inherits 0600 from its own temp file, so fix it up for files
	// meant to be world-readable (status heartbeats, job files).
	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}

	return nil
}

// WriteJSONAtomic marshals v as indented JSON and writes it atomically.
func WriteJSONAtomic(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data, perm)
}
