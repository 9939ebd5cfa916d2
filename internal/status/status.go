// SPDX-License-Identifier: MIT

// Package status implements the atomically-rewritten heartbeat file shared
// by the Encode Daemon and Poller Daemon (spec.md §4.3, §4.4, §6): on each
// cycle a daemon overwrites <state>/<component>/status.json, and the
// `status` CLI command reads it back.
//
// Reference: health.ServiceInfo/Response in the teacher repo, which shapes
// the same "state snapshot + timestamps" concept as an HTTP response body;
// here it is a file under the shared-state directory rather than an
// endpoint, since spec.md §7's Non-goals exclude any outward-facing
// service surface (metrics, HTTP) for this core.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjkirby/recwatch/internal/util"
)

// State is a daemon's current activity.
type State string

const (
	StateIdle    State = "idle"
	StatePaused  State = "paused"
	StateRunning State = "running"
)

// Heartbeat is the on-disk status record (spec.md §4.3: "the daemon
// atomically rewrites a status file with {pid, state, current_job?,
// last_tick}").
type Heartbeat struct {
	PID         int       `json:"pid"`
	State       State     `json:"state"`
	CurrentJob  string    `json:"current_job,omitempty"`
	LastTick    time.Time `json:"last_tick"`
	NextTick    time.Time `json:"next_tick,omitempty"`
	CycleCount  int64     `json:"cycle_count,omitempty"`
	LiveNow     int       `json:"live_now,omitempty"`
	SpawnedNow  int       `json:"spawned_now,omitempty"`
}

// Writer rewrites a single component's heartbeat file atomically on every
// call, per component (encoder, poller) under the shared state directory.
type Writer struct {
	path string
}

// NewWriter returns a Writer targeting <stateDir>/<component>/status.json.
func NewWriter(stateDir, component string) (*Writer, error) {
	dir := filepath.Join(stateDir, component)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("status: create %s: %w", dir, err)
	}
	return &Writer{path: filepath.Join(dir, "status.json")}, nil
}

// Write atomically overwrites the heartbeat file with hb.
func (w *Writer) Write(hb Heartbeat) error {
	return util.WriteJSONAtomic(w.path, hb, 0644)
}

// Remove deletes the heartbeat file, called on clean daemon shutdown
// (spec.md §4.3 Shutdown: "removes the status file").
func (w *Writer) Remove() error {
	err := os.Remove(w.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("status: remove %s: %w", w.path, err)
	}
	return nil
}

// Path returns the heartbeat file's path.
func (w *Writer) Path() string { return w.path }

// Read loads a component's heartbeat file from stateDir, used by the
// `status` CLI command. It returns os.ErrNotExist (wrapped) if the
// component has never run or has shut down cleanly.
func Read(stateDir, component string) (*Heartbeat, error) {
	path := filepath.Join(stateDir, component, "status.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return &hb, nil
}
