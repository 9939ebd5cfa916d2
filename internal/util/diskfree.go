// SPDX-License-Identifier: MIT

//go:build linux

package util

import (
	"fmt"
	"syscall"
)

// DiskFree returns the bytes available to an unprivileged user on the
// filesystem containing path.
//
// Reference: diagnostics.Runner.checkDiskSpace in the teacher repo, which
// calls syscall.Statfs("/", ...) for a fixed path; generalized here to an
// arbitrary path since the Recorder must check the configured output
// directory, not always "/".
func DiskFree(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	// #nosec G115 -- Bavail/Bsize are always positive on Linux filesystems
	return stat.Bavail * uint64(stat.Bsize), nil
}
