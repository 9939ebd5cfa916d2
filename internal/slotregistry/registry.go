// SPDX-License-Identifier: MIT

//go:build linux

// Package slotregistry implements the filesystem-backed slot allocator of
// spec.md §4.1: up to N named slots, each backed by an advisory-locked file
// and a sibling JSON owner record, used to enforce the global concurrent
// recording cap and to let the Encode Daemon detect whether any recording
// is active.
package slotregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjkirby/recwatch/internal/lock"
	"github.com/mjkirby/recwatch/internal/util"
)

// ErrBusy is returned by Acquire when fail_fast is set and no slot is free.
var ErrBusy = errors.New("slotregistry: all slots busy")

// Owner is the JSON sidecar describing who holds a slot (spec.md §6).
type Owner struct {
	PID       int       `json:"pid"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"started_at"`
}

// Registry manages N slots rooted at Dir.
type Registry struct {
	dir string
	n   int
}

// DefaultRuntimeSubdir is appended to the resolved runtime root.
const DefaultRuntimeSubdir = "recwatch-slots"

// ResolveRuntimeDir picks the slot directory per spec.md §6: the per-user
// XDG runtime tmpfs if writable, else a world-writable tmp path.
//
// Reference: the teacher's lock.NewFileLock creates its parent directory
// unconditionally under whatever path the caller supplies; this adds the
// fallback logic the teacher never needed (it only ever locks one fixed
// path under /var/run) because the Slot Registry must work on hosts where
// the daemon user has no /run access.
func ResolveRuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		candidate := filepath.Join(xdg, DefaultRuntimeSubdir)
		if err := os.MkdirAll(candidate, 0700); err == nil {
			return candidate
		}
	}

	tmp := os.TempDir()
	return filepath.Join(tmp, DefaultRuntimeSubdir)
}

// New creates a Registry for n slots rooted at dir. dir is created if
// missing.
func New(dir string, n int) (*Registry, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slotregistry: record limit must be positive, got %d", n)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("slotregistry: create dir %s: %w", dir, err)
	}
	return &Registry{dir: dir, n: n}, nil
}

// Handle represents a held slot; Release must be called exactly once.
type Handle struct {
	reg   *Registry
	index int
	fl    *lock.FileLock
}

// Index returns the 1-based slot index this handle holds.
func (h *Handle) Index() int { return h.index }

func (r *Registry) slotLockPath(i int) string {
	return filepath.Join(r.dir, fmt.Sprintf("slot%d", i))
}

func (r *Registry) ownerPath(i int) string {
	return filepath.Join(r.dir, fmt.Sprintf("slot%d.owner", i))
}

// Acquire scans slot1..slotN in order for a free slot. When failFast is
// true, it returns ErrBusy immediately if none is free; otherwise it
// rescans every pollInterval until one frees or ctx is cancelled.
func (r *Registry) Acquire(ctx context.Context, username string, failFast bool, pollInterval time.Duration) (*Handle, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	for {
		h, err := r.tryAcquireOnce(username)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if failFast {
			return nil, ErrBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *Registry) tryAcquireOnce(username string) (*Handle, error) {
	for i := 1; i <= r.n; i++ {
		fl, err := lock.NewFileLock(r.slotLockPath(i))
		if err != nil {
			return nil, fmt.Errorf("slotregistry: open slot %d: %w", i, err)
		}

		if err := fl.AcquireNonBlocking(); err != nil {
			continue
		}

		owner := Owner{
			PID:       os.Getpid(),
			Username:  username,
			StartedAt: time.Now().UTC(),
		}
		if err := util.WriteJSONAtomic(r.ownerPath(i), owner, 0644); err != nil {
			// Disk-full (or similar) on owner write is fatal to the
			// acquire: release the lock and surface the error rather
			// than leave a slot locked with no owner record (spec.md §4.1
			// "Failure semantics").
			_ = fl.Release()
			return nil, fmt.Errorf("slotregistry: write owner for slot %d: %w", i, err)
		}

		return &Handle{reg: r, index: i, fl: fl}, nil
	}
	return nil, ErrBusy
}

// Release deletes the owner record and then releases the slot lock, in
// that order: if the process dies between the two steps, a subsequent
// Sweep removes the stale owner (spec.md §4.1).
func (h *Handle) Release() error {
	ownerPath := h.reg.ownerPath(h.index)
	if err := os.Remove(ownerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("slotregistry: remove owner for slot %d: %w", h.index, err)
	}
	if err := h.fl.Release(); err != nil {
		return fmt.Errorf("slotregistry: release slot %d: %w", h.index, err)
	}
	return nil
}

// Enumerate reads every slotK.owner record, verifies its PID is live, and
// removes any whose PID is dead. It returns the surviving live records.
func (r *Registry) Enumerate() ([]Owner, error) {
	var live []Owner
	for i := 1; i <= r.n; i++ {
		path := r.ownerPath(i)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("slotregistry: read owner %d: %w", i, err)
		}

		var owner Owner
		if err := json.Unmarshal(data, &owner); err != nil {
			// A torn or corrupt owner record cannot belong to a live
			// holder (writes are atomic); treat it as stale.
			_ = os.Remove(path)
			continue
		}

		if util.PIDLive(owner.PID) {
			live = append(live, owner)
		} else {
			_ = os.Remove(path)
		}
	}
	return live, nil
}

// AnyActive reports whether any slot has a live owner.
func (r *Registry) AnyActive() (bool, error) {
	live, err := r.Enumerate()
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// Used returns the count of slots currently held by a live owner.
func (r *Registry) Used() (int, error) {
	live, err := r.Enumerate()
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// N returns the configured slot capacity.
func (r *Registry) N() int { return r.n }

// Sweep forces stale-owner cleanup; idempotent. It is Enumerate's side
// effect exposed as an explicit operation for the doctor/clean commands.
func (r *Registry) Sweep() error {
	_, err := r.Enumerate()
	return err
}

// Owner reads slot index's owner record directly, without sweeping the
// rest of the registry, used by `stop <slot>` to resolve the PID to
// signal before it forcibly releases the slot.
func (r *Registry) Owner(index int) (*Owner, error) {
	if index < 1 || index > r.n {
		return nil, fmt.Errorf("slotregistry: slot index %d out of range 1..%d", index, r.n)
	}
	data, err := os.ReadFile(r.ownerPath(index))
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("slotregistry: parse owner %d: %w", index, err)
	}
	return &owner, nil
}

// ForceRelease removes slot index's lock and owner files unconditionally,
// used by `stop <slot>` after the owner PID has been signalled and is
// confirmed dead.
func (r *Registry) ForceRelease(index int) error {
	if index < 1 || index > r.n {
		return fmt.Errorf("slotregistry: slot index %d out of range 1..%d", index, r.n)
	}
	_ = os.Remove(r.ownerPath(index))
	if err := os.Remove(r.slotLockPath(index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("slotregistry: remove lock for slot %d: %w", index, err)
	}
	return nil
}
