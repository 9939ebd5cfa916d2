// SPDX-License-Identifier: MIT

//go:build linux

// Package lock provides the advisory file locking primitive shared by
// per-user recorder locks, slot locks, and daemon singleton locks
// (spec.md §3, §4.1, §4.3).
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mjkirby/recwatch/internal/util"
)

// FileLock is an exclusive advisory lock backed by flock(2) on a regular
// file. The file's contents are the holder's PID, used to detect and clear
// stale locks left behind by a crashed holder.
//
// Reference: internal/lock.FileLock in the teacher repo, unchanged in
// mechanism — only the doc comments are retargeted away from the device
// locking domain. A single implementation serves three roles in this repo:
// the per-user lock (spec.md §4.2 LOCK_USER), a slot's lock file
// (spec.md §4.1), and each daemon's singleton lock (spec.md §4.3/§4.4).
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

const (
	// DefaultStaleThreshold is retained for API compatibility; staleness is
	// decided purely by PID liveness (see isLockStale), not age, so a
	// long-lived daemon's lock is never mistaken for stale.
	DefaultStaleThreshold = 300 * time.Second

	// DefaultAcquireTimeout is the default timeout for blocking acquisition.
	DefaultAcquireTimeout = 30 * time.Second
)

// NewFileLock creates a lock bound to path. The lock file and its parent
// directory are created if missing; the lock itself is not held until
// Acquire succeeds.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	dir := filepath.Dir(path)
	// #nosec G301 -- lock directory is process-local, 0750 is appropriate
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path: path,
		pid:  os.Getpid(),
	}, nil
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// Acquire attempts to acquire the exclusive lock, waiting up to timeout.
// A timeout of 0 tries exactly once and returns immediately on contention
// (the Recorder's LOCK_USER and ACQUIRE_SLOT-with-fail_fast steps, and
// every daemon's singleton-lock check, all use this form).
func (fl *FileLock) Acquire(timeout time.Duration) error {
	return fl.AcquireContext(context.Background(), timeout)
}

// AcquireNonBlocking is Acquire(0): try once, fail immediately on contention.
func (fl *FileLock) AcquireNonBlocking() error {
	return fl.Acquire(0)
}

// AcquireContext is Acquire with context cancellation support, used by the
// Slot Registry's non-fail-fast wait loop (spec.md §4.1) so acquisition
// unblocks promptly on daemon shutdown.
func (fl *FileLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isLockStale(fl.path); stale {
		_ = os.Remove(fl.path)
	}

	// #nosec G302 -- lock file needs 0640 for multi-process coordination
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if timeout <= 0 {
			_ = file.Close()
			return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
			}
		}
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release releases the lock and closes the underlying file descriptor.
// The caller is responsible for removing any sibling state (e.g. an owner
// record) before calling Release, per spec.md §4.1's "release(handle)"
// ordering requirement.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	fl.file = nil
	return nil
}

// Close releases the lock if held; safe to call on an unheld lock.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale reports whether the lock file at lockPath refers to a dead
// or unparseable PID. Age is deliberately not consulted: a long-running
// recorder or daemon always has a lock file older than any reasonable
// threshold, and an age check would steal the lock out from under a
// healthy holder.
func isLockStale(lockPath string) (bool, error) {
	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// #nosec G304 -- lock path is controlled by application configuration
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil
	}

	if util.PIDLive(pid) {
		return false, nil
	}
	return true, nil
}
