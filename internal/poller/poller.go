// SPDX-License-Identifier: MIT

//go:build linux

// Package poller implements the Poller Daemon of spec.md §4.4: on every
// cycle, convert newly-live usernames from a flat users file into spawned,
// detached Recorder processes, subject to available slots.
//
// Reference: the bounded-parallel-fan-out-then-join shape mirrors the
// teacher's resourceMonitor goroutines ticking alongside Manager.Run,
// generalized here into an explicit worker pool sized to
// probe_concurrency and joined with a sync.WaitGroup before the spawn
// phase, per spec.md §5.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mjkirby/recwatch/internal/lock"
	"github.com/mjkirby/recwatch/internal/logging"
	"github.com/mjkirby/recwatch/internal/runner"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
	"github.com/mjkirby/recwatch/internal/util"
)

// Config configures the Poller Daemon (spec.md §4.4 Inputs, §6 poller.* keys).
type Config struct {
	UsersFile        string
	UserLockDir      string
	StateDir         string
	LockPath         string
	Interval         time.Duration
	Quality          string
	ProbeToolPath    string
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	// RecorderBin is resolved via PATH, not absolute-pathed, so operators
	// can upgrade the binary in place (spec.md §4.4 Inputs).
	RecorderBin string
	ConfigPath  string

	// LogWriter, when set, is the component log file opened by the CLI
	// for paths.logs_dir; the daemon tracks it with its resource tracker
	// and closes it on shutdown instead of leaving it open until process
	// exit.
	LogWriter *logging.RotatingWriter

	Logger *slog.Logger
}

// Daemon is the running Poller Daemon instance.
type Daemon struct {
	cfg       Config
	registry  *slotregistry.Registry
	lock      *lock.FileLock
	writer    *status.Writer
	resources *util.ResourceTracker
}

// New constructs a Daemon, acquiring its singleton lock immediately.
func New(cfg Config, registry *slotregistry.Registry) (*Daemon, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 4
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	fl, err := lock.NewFileLock(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("poller: open singleton lock: %w", err)
	}
	if err := fl.AcquireNonBlocking(); err != nil {
		return nil, fmt.Errorf("poller: another poller is already running: %w", err)
	}

	writer, err := status.NewWriter(cfg.StateDir, "poller")
	if err != nil {
		_ = fl.Release()
		return nil, err
	}

	resources := util.NewResourceTracker()
	if cfg.LogWriter != nil {
		resources.TrackResource("component-log", cfg.LogWriter)
	}

	return &Daemon{cfg: cfg, registry: registry, lock: fl, writer: writer, resources: resources}, nil
}

// Run executes cycles until ctx is cancelled. Per spec.md §4.4, shutdown
// does not terminate already-spawned recorders.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if d.cfg.LogWriter != nil {
			if err := d.cfg.LogWriter.Close(); err != nil {
				d.cfg.Logger.Warn("close component log file", "error", err)
			} else {
				d.resources.UntrackResource("component-log")
			}
		}
		if leaked := d.resources.LeakedResources(); len(leaked) > 0 {
			d.cfg.Logger.Warn("resources still tracked at shutdown", "leaked", leaked)
		}
		_ = d.writer.Remove()
		_ = d.lock.Release()
	}()

	var cycle int64
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.runCycle(ctx, cycle)
		cycle++

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context, cycle int64) {
	users, err := ReadUsers(d.cfg.UsersFile)
	if err != nil {
		d.cfg.Logger.Warn("read users file", "error", err)
		return
	}

	var candidates []string
	for _, u := range users {
		if d.userBusy(u) {
			continue
		}
		candidates = append(candidates, u)
	}

	used, err := d.registry.Used()
	if err != nil {
		d.cfg.Logger.Warn("check slot usage", "error", err)
		return
	}
	free := d.registry.N() - used

	var live []string
	if free > 0 {
		live = d.probeLive(ctx, candidates)
	}

	spawned := 0
	for _, u := range live {
		if spawned >= free {
			break
		}
		if err := d.spawnRecorder(u); err != nil {
			d.cfg.Logger.Warn("spawn recorder", "user", u, "error", err)
			continue
		}
		spawned++
	}

	now := time.Now().UTC()
	_ = d.writer.Write(status.Heartbeat{
		PID:        os.Getpid(),
		State:      status.StateRunning,
		LastTick:   now,
		NextTick:   now.Add(d.cfg.Interval),
		CycleCount: cycle,
		LiveNow:    len(live),
		SpawnedNow: spawned,
	})
}

// userBusy reports whether username currently holds its per-user lock,
// without disturbing it: a non-blocking acquire-then-immediate-release
// observes the lock state without holding it (spec.md §4.4 item 2).
func (d *Daemon) userBusy(username string) bool {
	fl, err := lock.NewFileLock(fmt.Sprintf("%s/%s.lock", d.cfg.UserLockDir, username))
	if err != nil {
		return false
	}
	if err := fl.AcquireNonBlocking(); err != nil {
		return true
	}
	_ = fl.Release()
	return false
}

// probeLive runs the probe tool against each candidate with bounded
// concurrency, returning the subset found live, in input order (spec.md
// §4.4 item 4, §5 "bounded parallel fan-out, joined before the next cycle").
func (d *Daemon) probeLive(ctx context.Context, candidates []string) []string {
	type probeResult struct {
		index int
		live  bool
	}

	results := make([]bool, len(candidates))
	sem := make(chan struct{}, d.cfg.ProbeConcurrency)
	var wg sync.WaitGroup
	resCh := make(chan probeResult, len(candidates))

	for i, u := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		index, username := i, u
		// SafeGo recovers a panicking probe so one bad candidate can't take
		// the whole cycle (and the daemon's goroutine) down with it; the
		// slot just never reports live and the cycle moves on.
		util.SafeGo(fmt.Sprintf("poller-probe:%s", username), nil, func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := runner.Run(ctx, d.cfg.ProbeTimeout, d.cfg.ProbeToolPath, username)
			live := err == nil && res != nil && res.ExitCode == 0
			resCh <- probeResult{index: index, live: live}
		}, func(r interface{}, _ []byte) {
			d.cfg.Logger.Error("probe worker panic", "user", username, "panic", r)
		})
	}

	wg.Wait()
	close(resCh)
	for r := range resCh {
		results[r.index] = r.live
	}

	var live []string
	for i, ok := range results {
		if ok {
			live = append(live, candidates[i])
		}
	}
	return live
}

// spawnRecorder launches a detached Recorder for username, fire-and-forget:
// the poller never waits on it and does not terminate it on its own
// shutdown (spec.md §4.4).
func (d *Daemon) spawnRecorder(username string) error {
	args := []string{"record", "--user", username, "--quality", d.cfg.Quality, "--fail-fast"}
	if d.cfg.ConfigPath != "" {
		args = append(args, "--config", d.cfg.ConfigPath)
	}

	// #nosec G204 -- RecorderBin is operator configuration, username is
	// sanitized by the Recorder itself before use.
	cmd := exec.Command(d.cfg.RecorderBin, args...)
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder for %s: %w", username, err)
	}

	// Reap asynchronously so the detached child never becomes a zombie;
	// the poller does not block on or otherwise depend on this goroutine.
	go func() { _ = cmd.Wait() }()

	return nil
}
