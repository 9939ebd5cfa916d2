// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/recorder"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/util"
)

// signalContext returns a context cancelled on SIGINT/SIGTERM, used by
// every long-running or blocking command (`record`, `encode-daemon run`,
// `poller run`) so an operator's Ctrl-C or a systemd stop triggers the
// same graceful-shutdown path as a programmatic cancel.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// fpsParam renders an encode_daemon.fps config value the way queue.Params
// expects it (spec.md §6 job file schema): 0 means "auto", anything else
// is rendered as a plain number.
func fpsParam(fps int) string {
	if fps == 0 {
		return "auto"
	}
	return fmt.Sprintf("%d", fps)
}

// runRecord implements `record`: one Recorder invocation for --user
// (spec.md §4.2). This is what the Poller Daemon spawns, and what an
// operator can also run by hand for an ad hoc capture.
func runRecord(args []string) error {
	username := stringFlag(args, "user", "")
	if username == "" {
		return usageErrf("record: --user is required")
	}
	quality := stringFlag(args, "quality", "")
	failFast := boolFlag(args, "fail-fast")

	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	if quality == "" {
		quality = cfg.Record.Quality
	}
	if w := setupComponentLogger("record", cfg.Paths.LogsDir, boolFlag(args, "json-logs")); w != nil {
		defer func() { _ = w.Close() }()
	}

	userLockDir, err := util.ResolveUserLockDir()
	if err != nil {
		return fmt.Errorf("resolve user lock dir: %w", err)
	}

	registry, err := slotregistry.New(slotregistry.ResolveRuntimeDir(), cfg.Limits.RecordLimit)
	if err != nil {
		return err
	}

	rcfg := recorder.Config{
		Username:           username,
		Quality:             quality,
		OutputDir:           cfg.Paths.RecordDir,
		TempDir:             filepath.Join(cfg.Paths.RecordDir, "temp"),
		UserLockDir:         userLockDir,
		QueueDir:            cfg.Paths.QueueDir,
		CaptureToolPath:     cfg.Tools.CapturePath,
		MuxToolPath:         cfg.Tools.MuxPath,
		RemuxToolPath:       cfg.Tools.RemuxPath,
		RetryDelay:          cfg.Record.RetryDelay,
		RetryWindow:         cfg.Record.RetryWindow,
		EnableRemux:         cfg.Record.EnableRemux,
		DeleteTSAfterRemux:  cfg.Record.DeleteTSAfterRemux,
		FailFastSlot:        failFast,
		DiskFreeMinBytes:    cfg.Storage.MinBytes(),
		EncodeParams: queue.Params{
			Height:   cfg.EncodeDaemon.Height,
			FPS:      fpsParam(cfg.EncodeDaemon.FPS),
			CRF:      cfg.EncodeDaemon.CRF,
			Preset:   cfg.EncodeDaemon.Preset,
			Threads:  cfg.EncodeDaemon.Threads,
			LogLevel: cfg.EncodeDaemon.LogLevel,
		},
	}

	ctx, cancel := signalContext()
	defer cancel()

	result, err := recorder.Run(ctx, rcfg, registry)
	if result != nil {
		fmt.Printf("recorded %s -> %s\n", result.BaseName, result.FinalArtifact)
		if result.JobID != "" {
			fmt.Printf("enqueued encode job %s\n", result.JobID)
		}
	}
	return err
}
