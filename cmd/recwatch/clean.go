// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjkirby/recwatch/internal/config"
	"github.com/mjkirby/recwatch/internal/diagnostics"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/util"
)

func diagnosticsOptions(cfg *config.Config, fix bool) (diagnostics.Options, error) {
	userLockDir, err := util.ResolveUserLockDir()
	if err != nil {
		return diagnostics.Options{}, fmt.Errorf("resolve user lock dir: %w", err)
	}

	return diagnostics.Options{
		RuntimeDir:       slotregistry.ResolveRuntimeDir(),
		RecordLimit:      cfg.Limits.RecordLimit,
		UserLockDir:      userLockDir,
		QueueDir:         cfg.Paths.QueueDir,
		RecordTempDirs:   []string{filepath.Join(cfg.Paths.RecordDir, "temp")},
		DiskCheckPath:    cfg.Paths.RecordDir,
		DiskFreeMinBytes: cfg.Storage.MinBytes(),
		RequiredTools: []string{
			cfg.Tools.CapturePath,
			cfg.Tools.ProbePath,
			cfg.Tools.MuxPath,
			cfg.Tools.RemuxPath,
			cfg.Tools.TranscodePath,
		},
		Fix: fix,
	}, nil
}

// runDoctor implements `doctor`: diagnostics without --fix (spec.md §7).
// Only the stale slot owner check takes action, sweeping dead owners.
func runDoctor(args []string) error {
	return runDiagnostics(args, false)
}

// runClean implements `clean`: `doctor --fix`, with a confirmation
// prompt since it takes corrective (data-deleting) action.
func runClean(args []string) error {
	if !confirm(args, "sweep stale state and clear residue?") {
		return fmt.Errorf("clean: aborted")
	}
	return runDiagnostics(args, true)
}

func runDiagnostics(args []string, fix bool) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	opts, err := diagnosticsOptions(cfg, fix)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := diagnostics.NewRunner(opts).Run(ctx)
	if err != nil {
		return err
	}

	if boolFlag(args, "json") {
		data, err := report.ToJSON()
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		os.Stdout.Write([]byte("\n"))
	} else {
		diagnostics.PrintReport(os.Stdout, report)
	}

	if !report.Healthy {
		return fmt.Errorf("issues detected")
	}
	return nil
}
