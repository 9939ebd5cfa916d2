// SPDX-License-Identifier: MIT

//go:build linux

// Package encoder implements the Encode Daemon of spec.md §4.3: a
// singleton long-lived process that drains the job queue FIFO, pausing
// the in-flight transcoder whenever the Slot Registry reports a live
// recording.
//
// Reference: supervisor.Supervisor runs the job-drain loop and the
// pause-poll ticker as two supervised services, the same role
// stream.Manager's resourceMonitor goroutine plays alongside Manager.Run
// in the teacher; Stop/Pause/Resume escalation is internal/runner.Child,
// itself grounded in Manager.stop()'s interrupt-then-kill goroutine.
package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mjkirby/recwatch/internal/lock"
	"github.com/mjkirby/recwatch/internal/logging"
	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/runner"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
	"github.com/mjkirby/recwatch/internal/supervisor"
	"github.com/mjkirby/recwatch/internal/util"
)

// TranscodeArgsFunc builds the transcoder's argv for one job.
type TranscodeArgsFunc func(job queue.Job, outputPath string) []string

// Config configures the Encode Daemon (spec.md §6 encode_daemon.* keys).
type Config struct {
	QueueDir      string
	StateDir      string
	LockPath      string
	TranscodePath string
	BuildArgs     TranscodeArgsFunc

	// PreDequeuePoll is how often the daemon rechecks any_active() before
	// starting a new job (spec.md §4.3 item 1, "e.g., 5s").
	PreDequeuePoll time.Duration
	// PausePoll is how often a running transcode's pause state is
	// reconsidered (spec.md §4.3 item 2, "e.g., 2s").
	PausePoll time.Duration
	// ShutdownGrace bounds stop-then-kill escalation on interrupt.
	ShutdownGrace time.Duration
	// DeleteInputOnSuccess controls whether a completed job's input
	// artifact is removed (spec.md §9 Open Question: yes, regardless of
	// .ts vs .mp4).
	DeleteInputOnSuccess bool

	// ConfigWatch, when set, is consulted on every pre-dequeue and
	// pause-poll tick for encode_daemon.enabled, so an `encode-mode
	// on/off` rewrite of the config file takes effect without a daemon
	// restart (the live half of the teacher's koanf.go hot-reload intent
	// never wired to a caller before). Nil disables the check, treating
	// the daemon as always enabled.
	ConfigWatch EnabledSource

	// LogWriter, when set, is the component log file opened by the CLI
	// for paths.logs_dir; the daemon tracks it with its resource tracker
	// and closes it on shutdown instead of leaving it open until process
	// exit.
	LogWriter *logging.RotatingWriter

	Logger *slog.Logger
}

// EnabledSource reports whether the Encode Daemon is currently allowed to
// run the transcoder. *config.KoanfConfig satisfies this via its Load
// method's EncodeDaemon.Enabled field; kept as a narrow interface so
// internal/encoder does not need to import internal/config's full surface.
type EnabledSource interface {
	EncodingEnabled() (bool, error)
}

// Daemon is the running Encode Daemon instance.
type Daemon struct {
	cfg       Config
	registry  *slotregistry.Registry
	lock      *lock.FileLock
	writer    *status.Writer
	resources *util.ResourceTracker

	mu      sync.Mutex
	current *runner.Child
	paused  bool
}

// New constructs a Daemon, acquiring its singleton lock immediately
// (spec.md §4.3 "Singleton enforcement").
func New(cfg Config, registry *slotregistry.Registry) (*Daemon, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PreDequeuePoll <= 0 {
		cfg.PreDequeuePoll = 5 * time.Second
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 2 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	fl, err := lock.NewFileLock(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("encoder: open singleton lock: %w", err)
	}
	if err := fl.AcquireNonBlocking(); err != nil {
		return nil, fmt.Errorf("encoder: another encode daemon is already running: %w", err)
	}

	writer, err := status.NewWriter(cfg.StateDir, "encoder")
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

// Run drives the daemon until ctx is cancelled, then shuts down cleanly
// (spec.md §4.3 "Shutdown").
func (d *Daemon) Run(ctx context.Context) error {
	defer d.shutdown()

	sup := supervisor.New(supervisor.DefaultConfig())
	if err := sup.Add(jobDrainService{d: d}); err != nil {
		return err
	}
	if err := sup.Add(pausePollService{d: d}); err != nil {
		return err
	}
	return sup.Run(ctx)
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	child := d.current
	d.mu.Unlock()

	if child != nil {
		child.Stop(d.cfg.ShutdownGrace)
	}
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
}

// jobDrainService is the supervised job-draining actor.
type jobDrainService struct{ d *Daemon }

func (s jobDrainService) Name() string { return "job-drain" }

func (s jobDrainService) Run(ctx context.Context) error {
	d := s.d
	q, err := queue.New(d.cfg.QueueDir)
	if err != nil {
		return err
	}
	if _, err := q.RecoverInflight(); err != nil {
		d.cfg.Logger.Warn("recover inflight jobs", "error", err)
	}

	cycle := int64(0)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Step 1: defer to any active recording, or to the operator's
		// `encode-mode off` switch, before dequeuing.
		for {
			active, err := d.registry.AnyActive()
			if err != nil {
				d.cfg.Logger.Warn("check slot activity", "error", err)
			}
			if !active && d.encodingEnabled() {
				break
			}
			_ = d.writeHeartbeat(status.StateIdle, "", cycle)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PreDequeuePoll):
			}
		}

		claimed, err := q.Next()
		if err == queue.ErrEmpty {
			_ = d.writeHeartbeat(status.StateIdle, "", cycle)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PreDequeuePoll):
			}
			cycle++
			continue
		}
		if err != nil {
			return err
		}

		d.runJob(ctx, claimed)
		cycle++
	}
}

func (d *Daemon) runJob(ctx context.Context, claimed *queue.Claimed) {
	job := claimed.Job
	outputPath := job.InputPath + ".compressed"
	args := d.cfg.BuildArgs(job, outputPath)

	child, err := runner.Start(ctx, d.cfg.TranscodePath, args...)
	if err != nil {
		_ = claimed.Fail(fmt.Sprintf("launch transcoder: %v", err))
		return
	}

	d.mu.Lock()
	d.current = child
	d.paused = false
	d.mu.Unlock()

	d.resources.TrackProcess(job.ID, child.Process())
	_ = d.writeHeartbeat(status.StateRunning, job.ID, 0)

	waitErr := child.Wait()

	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	d.resources.UntrackProcess(job.ID)

	if waitErr != nil {
		_ = claimed.Fail(fmt.Sprintf("transcoder exited with error: %v", waitErr))
		return
	}

	if err := claimed.Complete(d.cfg.DeleteInputOnSuccess); err != nil {
		d.cfg.Logger.Warn("complete job", "job", job.ID, "error", err)
	}
}

// encodingEnabled reports the current encode_daemon.enabled value, or true
// if no ConfigWatch was configured (the common case outside the CLI).
func (d *Daemon) encodingEnabled() bool {
	if d.cfg.ConfigWatch == nil {
		return true
	}
	enabled, err := d.cfg.ConfigWatch.EncodingEnabled()
	if err != nil {
		d.cfg.Logger.Warn("check encode-mode", "error", err)
		return true
	}
	return enabled
}

func (d *Daemon) writeHeartbeat(state status.State, currentJob string, cycle int64) error {
	return d.writer.Write(status.Heartbeat{
		PID:        os.Getpid(),
		State:      state,
		CurrentJob: currentJob,
		LastTick:   time.Now().UTC(),
		CycleCount: cycle,
	})
}

// pausePollService is the supervised pause/resume poller (spec.md §4.3
// item 2): while a transcode is running it periodically rechecks
// any_active() and suspends/resumes the child on transition.
type pausePollService struct{ d *Daemon }

func (s pausePollService) Name() string { return "pause-poll" }

func (s pausePollService) Run(ctx context.Context) error {
	d := s.d
	ticker := time.NewTicker(d.cfg.PausePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.reconcilePause()
		}
	}
}

func (d *Daemon) reconcilePause() {
	d.mu.Lock()
	child := d.current
	wasPaused := d.paused
	d.mu.Unlock()

	if child == nil {
		return
	}

	active, err := d.registry.AnyActive()
	if err != nil {
		d.cfg.Logger.Warn("check slot activity during pause poll", "error", err)
		return
	}
	shouldPause := active || !d.encodingEnabled()

	switch {
	case shouldPause && !wasPaused:
		if err := child.Pause(); err != nil {
			d.cfg.Logger.Warn("pause transcoder", "error", err)
			return
		}
		d.mu.Lock()
		d.paused = true
		d.mu.Unlock()
		_ = d.writeHeartbeat(status.StatePaused, "", 0)
	case !shouldPause && wasPaused:
		if err := child.Resume(); err != nil {
			d.cfg.Logger.Warn("resume transcoder", "error", err)
			return
		}
		d.mu.Lock()
		d.paused = false
		d.mu.Unlock()
		_ = d.writeHeartbeat(status.StateRunning, "", 0)
	}
}
