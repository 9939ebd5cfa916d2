// SPDX-License-Identifier: MIT

//go:build linux

// Package recorder drives one Recorder invocation through the state
// machine of spec.md §4.2: LOCK_USER → ACQUIRE_SLOT → CAPTURE_LOOP →
// MERGE → RELEASE_SLOT → REMUX? → FINALIZE → ENQUEUE.
//
// Reference: stream.Manager's validateConfig/buildFFmpegCommand for the
// "validate then shell out" shape; the merge/remux/finalize/enqueue steps
// have no teacher analogue (the teacher streams directly to RTSP rather
// than merging segmented local files) and are grounded instead in
// spec.md's own algorithm description, composed from internal/capture,
// internal/runner, internal/lock, internal/slotregistry and
// internal/queue.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjkirby/recwatch/internal/capture"
	"github.com/mjkirby/recwatch/internal/errkind"
	"github.com/mjkirby/recwatch/internal/lock"
	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/runner"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/util"
)

// Config is the full set of inputs to one Recorder run (spec.md §4.2
// "Inputs / constraints", §6 record.* config keys).
type Config struct {
	Username string
	Quality  string

	OutputDir string // finalized artifacts land here
	// TempDir must be on the same filesystem as OutputDir so FINALIZE's
	// rename is atomic (spec.md §4.2 constraint).
	TempDir string

	UserLockDir string
	QueueDir    string

	CaptureToolPath string
	MuxToolPath     string
	RemuxToolPath   string

	RetryDelay  time.Duration
	RetryWindow time.Duration

	EnableRemux          bool
	DeleteTSAfterRemux   bool

	FailFastSlot bool

	DiskFreeMinBytes uint64

	EncodeParams queue.Params
}

// Result summarizes a completed Recorder run.
type Result struct {
	BaseName     string
	FinalArtifact string // .mp4 or .ts path in OutputDir
	JobID        string  // set only if an encode job was enqueued
}

// Run executes the full state machine for cfg.Username, returning a
// classified error (internal/errkind) on any non-success exit condition.
func Run(ctx context.Context, cfg Config, registry *slotregistry.Registry) (*Result, error) {
	if _, ok := util.SanitizeUsername(cfg.Username); !ok {
		return nil, errkind.New(errkind.ConfigErr, "invalid username %q", cfg.Username)
	}

	if cfg.DiskFreeMinBytes > 0 {
		free, err := util.DiskFree(cfg.OutputDir)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		if free < cfg.DiskFreeMinBytes {
			return nil, errkind.New(errkind.DiskLow, "free space %d below threshold %d on %s", free, cfg.DiskFreeMinBytes, cfg.OutputDir)
		}
	}

	// LOCK_USER
	userLock, err := lockUser(cfg)
	if err != nil {
		return nil, err
	}
	defer userLock.Release()

	// ACQUIRE_SLOT
	handle, err := registry.Acquire(ctx, cfg.Username, cfg.FailFastSlot, 0)
	if err != nil {
		if err == slotregistry.ErrBusy {
			return nil, errkind.Wrap(errkind.Busy, err)
		}
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	slotReleased := false
	releaseSlot := func() {
		if !slotReleased {
			_ = handle.Release()
			slotReleased = true
		}
	}
	defer releaseSlot()

	baseName := fmt.Sprintf("%s_%s", cfg.Username, time.Now().UTC().Format("20060102T150405Z"))

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, errkind.Wrap(errkind.Internal, fmt.Errorf("create temp dir: %w", err))
	}

	// CAPTURE_LOOP
	capResult, err := captureLoop(ctx, cfg, baseName)
	if err != nil {
		return nil, errkind.Wrap(errkind.CaptureFailed, err)
	}
	if !capResult.Ended {
		return nil, errkind.New(errkind.NotLive, "no successful capture segment for %s within retry window", cfg.Username)
	}

	// MERGE
	mergedPath, err := merge(ctx, cfg, baseName, capResult)
	if err != nil {
		return nil, errkind.Wrap(errkind.MergeFailed, err)
	}

	// RELEASE_SLOT — immediately after merge, before remux, per spec.md §4.2.
	releaseSlot()

	finalPath := mergedPath
	if cfg.EnableRemux {
		remuxedPath, rerr := remux(ctx, cfg, baseName, mergedPath)
		if rerr == nil {
			finalPath = remuxedPath
			if cfg.DeleteTSAfterRemux {
				_ = os.Remove(mergedPath)
			}
		}
		// RemuxFailed is non-fatal: falls through to keeping the .ts
		// (spec.md §7). finalPath remains mergedPath in that case.
	}

	// FINALIZE
	finalArtifact, err := finalize(cfg, finalPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	result := &Result{BaseName: baseName, FinalArtifact: finalArtifact}

	// ENQUEUE
	if cfg.QueueDir != "" {
		jobID, err := enqueue(cfg, baseName, finalArtifact)
		if err != nil {
			return result, errkind.Wrap(errkind.EnqueueFailed, err)
		}
		result.JobID = jobID
	}

	return result, nil
}

func lockUser(cfg Config) (*lock.FileLock, error) {
	if err := os.MkdirAll(cfg.UserLockDir, 0755); err != nil {
		return nil, errkind.Wrap(errkind.Internal, fmt.Errorf("create user lock dir: %w", err))
	}
	username, _ := util.SanitizeUsername(cfg.Username)
	path := filepath.Join(cfg.UserLockDir, username+".lock")
	fl, err := lock.NewFileLock(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	if err := fl.AcquireNonBlocking(); err != nil {
		return nil, errkind.Wrap(errkind.UserBusy, fmt.Errorf("user %s is already being recorded: %w", cfg.Username, err))
	}
	return fl, nil
}

func captureLoop(ctx context.Context, cfg Config, baseName string) (*capture.Result, error) {
	policy := capture.Policy{
		ToolPath:    cfg.CaptureToolPath,
		RetryDelay:  cfg.RetryDelay,
		RetryWindow: cfg.RetryWindow,
	}
	buildArgs := func(outputPath string) []string {
		return []string{cfg.Username, cfg.Quality, outputPath}
	}
	return capture.Run(ctx, policy, cfg.TempDir, baseName, buildArgs)
}

// merge concatenates all part files into <temp>/<base>.ts via the
// configured mux tool, in capture order; an attempt that left no part file
// on disk is skipped. On success the parts are deleted (spec.md §4.2).
func merge(ctx context.Context, cfg Config, baseName string, capResult *capture.Result) (string, error) {
	outPath := filepath.Join(cfg.TempDir, baseName+".ts")

	var partPaths []string
	for _, seg := range capResult.Segments {
		if _, err := os.Stat(seg.Path); err == nil {
			partPaths = append(partPaths, seg.Path)
		}
	}

	args := append([]string{}, partPaths...)
	args = append(args, outPath)

	res, err := runner.Run(ctx, 0, cfg.MuxToolPath, args...)
	if err != nil {
		return "", fmt.Errorf("launch mux tool: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("mux tool exited %d: %s", res.ExitCode, res.Stderr)
	}

	for _, p := range partPaths {
		_ = os.Remove(p)
	}

	return outPath, nil
}

// remux stream-copies <base>.ts to <base>.mp4 with faststart.
func remux(ctx context.Context, cfg Config, baseName, tsPath string) (string, error) {
	outPath := filepath.Join(cfg.TempDir, baseName+".mp4")

	res, err := runner.Run(ctx, 0, cfg.RemuxToolPath, tsPath, outPath, "--faststart")
	if err != nil {
		return "", fmt.Errorf("launch remux tool: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("remux tool exited %d: %s", res.ExitCode, res.Stderr)
	}
	return outPath, nil
}

// finalize renames the surviving artifact from temp/ into OutputDir.
func finalize(cfg Config, tempPath string) (string, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	finalPath := filepath.Join(cfg.OutputDir, filepath.Base(tempPath))
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize %s: %w", tempPath, err)
	}
	return finalPath, nil
}

func enqueue(cfg Config, baseName, inputPath string) (string, error) {
	q, err := queue.New(cfg.QueueDir)
	if err != nil {
		return "", err
	}
	job := queue.Job{
		InputPath: inputPath,
		BaseName:  baseName,
		Username:  cfg.Username,
		Params:    cfg.EncodeParams,
	}
	path, err := q.Enqueue(job)
	if err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}
