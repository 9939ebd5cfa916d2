// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"path/filepath"

	"github.com/mjkirby/recwatch/internal/queue"
)

// runTSCompress implements `tscompress <files...>`: a thin wrapper that
// enqueues one encode job per input file directly into the same
// internal/queue the Recorder's ENQUEUE step uses, for operators
// compressing files outside the normal record flow.
func runTSCompress(args []string) error {
	files := positional(args, map[string]bool{"config": true})
	if len(files) == 0 {
		return usageErrf("tscompress: expected at least one input file")
	}

	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}

	q, err := queue.New(cfg.Paths.QueueDir)
	if err != nil {
		return err
	}

	params := queue.Params{
		Height:   cfg.EncodeDaemon.Height,
		FPS:      fpsParam(cfg.EncodeDaemon.FPS),
		CRF:      cfg.EncodeDaemon.CRF,
		Preset:   cfg.EncodeDaemon.Preset,
		Threads:  cfg.EncodeDaemon.Threads,
		LogLevel: cfg.EncodeDaemon.LogLevel,
	}

	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("tscompress: resolve %s: %w", f, err)
		}
		job := queue.Job{
			InputPath: abs,
			BaseName:  filepath.Base(abs),
			Params:    params,
		}
		path, err := q.Enqueue(job)
		if err != nil {
			return fmt.Errorf("tscompress: enqueue %s: %w", f, err)
		}
		fmt.Printf("enqueued %s -> %s\n", f, filepath.Base(path))
	}
	return nil
}
