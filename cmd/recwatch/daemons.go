// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mjkirby/recwatch/internal/config"
	"github.com/mjkirby/recwatch/internal/encoder"
	"github.com/mjkirby/recwatch/internal/poller"
	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
	"github.com/mjkirby/recwatch/internal/util"
)

// ffmpegTranscodeArgs builds the transcoder's argv from a job's snapshot
// params (spec.md §4.3, §6 job file schema): scale to height, constant
// frame rate unless "auto", libx264 at the configured CRF/preset/threads.
func ffmpegTranscodeArgs(job queue.Job, outputPath string) []string {
	args := []string{"-y", "-i", job.InputPath}
	if job.Params.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", job.Params.Height))
	}
	if job.Params.FPS != "" && job.Params.FPS != "auto" {
		args = append(args, "-r", job.Params.FPS)
	}
	args = append(args, "-c:v", "libx264")
	if job.Params.Preset != "" {
		args = append(args, "-preset", job.Params.Preset)
	}
	args = append(args, "-crf", strconv.Itoa(job.Params.CRF))
	if job.Params.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(job.Params.Threads))
	}
	if job.Params.LogLevel != "" {
		args = append(args, "-loglevel", job.Params.LogLevel)
	}
	if job.Params.AudioBitrateKbps > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", job.Params.AudioBitrateKbps))
	} else {
		args = append(args, "-c:a", "copy")
	}
	args = append(args, outputPath)
	return args
}

// runEncodeDaemon dispatches `encode-daemon run|stop|status`.
func runEncodeDaemon(args []string) error {
	if len(args) == 0 {
		return usageErrf("encode-daemon: expected run, stop, or status")
	}
	switch args[0] {
	case "run":
		return runEncodeDaemonRun(args[1:])
	case "stop":
		return runDaemonStop(args[1:], "encoder")
	case "status":
		return runDaemonStatus(args[1:], "encoder")
	default:
		return usageErrf("encode-daemon: unknown subcommand %q", args[0])
	}
}

// runPoller dispatches `poller run|stop|status`.
func runPoller(args []string) error {
	if len(args) == 0 {
		return usageErrf("poller: expected run, stop, or status")
	}
	switch args[0] {
	case "run":
		return runPollerRun(args[1:])
	case "stop":
		return runDaemonStop(args[1:], "poller")
	case "status":
		return runDaemonStatus(args[1:], "poller")
	default:
		return usageErrf("poller: unknown subcommand %q", args[0])
	}
}

func runEncodeDaemonRun(args []string) error {
	path := resolveConfigPath(args)
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	logWriter := setupComponentLogger("encoder", cfg.Paths.LogsDir, boolFlag(args, "json-logs"))

	registry, err := slotregistry.New(slotregistry.ResolveRuntimeDir(), cfg.Limits.RecordLimit)
	if err != nil {
		return err
	}

	var opts []config.Option
	if _, statErr := os.Stat(path); statErr == nil {
		opts = append(opts, config.WithYAMLFile(path))
	}
	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := encoder.New(encoder.Config{
		QueueDir:             cfg.Paths.QueueDir,
		StateDir:             cfg.Paths.StateDir,
		LockPath:             filepath.Join(cfg.Paths.StateDir, "encoder.lock"),
		TranscodePath:        cfg.Tools.TranscodePath,
		BuildArgs:            ffmpegTranscodeArgs,
		DeleteInputOnSuccess: cfg.Record.DeleteInputOnSuccess,
		ConfigWatch:          kc,
		LogWriter:            logWriter,
	}, registry)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return d.Run(ctx)
}

func runPollerRun(args []string) error {
	path := resolveConfigPath(args)
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	logWriter := setupComponentLogger("poller", cfg.Paths.LogsDir, boolFlag(args, "json-logs"))

	registry, err := slotregistry.New(slotregistry.ResolveRuntimeDir(), cfg.Limits.RecordLimit)
	if err != nil {
		return err
	}

	userLockDir, err := util.ResolveUserLockDir()
	if err != nil {
		return fmt.Errorf("resolve user lock dir: %w", err)
	}

	d, err := poller.New(poller.Config{
		UsersFile:        cfg.Poller.UsersFile,
		UserLockDir:      userLockDir,
		StateDir:         cfg.Paths.StateDir,
		LockPath:         filepath.Join(cfg.Paths.StateDir, "poller.lock"),
		Interval:         cfg.Poller.Interval,
		Quality:          cfg.Poller.Quality,
		ProbeToolPath:    cfg.Tools.ProbePath,
		ProbeTimeout:     cfg.Poller.Timeout,
		ProbeConcurrency: cfg.Poller.ProbeConcurrency,
		RecorderBin:      "recwatch",
		ConfigPath:       path,
		LogWriter:        logWriter,
	}, registry)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return d.Run(ctx)
}

// runDaemonStop reads component's heartbeat for its PID and sends
// SIGTERM, the same interrupt-then-let-it-shut-down-cleanly idiom the
// daemon's own Run defers to on ctx cancellation.
func runDaemonStop(args []string, component string) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}

	hb, err := status.Read(cfg.Paths.StateDir, component)
	if err != nil {
		return fmt.Errorf("%s not running (no status file): %w", component, err)
	}

	proc, err := os.FindProcess(hb.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s (pid %d): %w", component, hb.PID, err)
	}

	fmt.Printf("sent SIGTERM to %s (pid %d)\n", component, hb.PID)
	return nil
}

func runDaemonStatus(args []string, component string) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	hb, err := status.Read(cfg.Paths.StateDir, component)
	if err != nil {
		fmt.Printf("%s: not running\n", component)
		return nil
	}
	printHeartbeat(component, hb)
	return nil
}

func printHeartbeat(component string, hb *status.Heartbeat) {
	fmt.Printf("%s: pid=%d state=%s last_tick=%s\n", component, hb.PID, hb.State, hb.LastTick.Format(time.RFC3339))
	if hb.CurrentJob != "" {
		fmt.Printf("  current_job=%s\n", hb.CurrentJob)
	}
	if !hb.NextTick.IsZero() {
		fmt.Printf("  next_tick=%s live_now=%d spawned_now=%d\n", hb.NextTick.Format(time.RFC3339), hb.LiveNow, hb.SpawnedNow)
	}
}
