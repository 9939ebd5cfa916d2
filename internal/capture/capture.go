// SPDX-License-Identifier: MIT

// Package capture drives the capture tool through the CAPTURE_LOOP state
// (spec.md §4.2): repeatedly invoke it to write the next segment, retrying
// on non-zero exit within a rolling window anchored to the start of the
// current retry chain, rather than the teacher's unbounded exponential
// backoff (stream.Backoff). A successful run long enough to exceed the
// window resets the chain; a window that elapses with no successful run
// ends the loop.
//
// Reference: stream.Backoff/stream.Manager's restart loop for the overall
// "run a child, decide whether to retry" shape; the rolling-window policy
// itself is a deliberate departure the window, not the delay, governs
// when the loop gives up.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mjkirby/recwatch/internal/runner"
)

// Policy configures the capture loop (spec.md §4.2, §6 record.* keys).
type Policy struct {
	// ToolPath is the capture tool executable.
	ToolPath string
	// RetryDelay is how long to wait between a failed attempt and the next.
	RetryDelay time.Duration
	// RetryWindow is the rolling deadline: once no successful segment has
	// completed within RetryWindow of the current chain's start, the loop
	// terminates as NotLive / CaptureFailed.
	RetryWindow time.Duration
}

// Segment describes one completed capture attempt.
type Segment struct {
	Path     string
	ExitCode int
	Started  time.Time
	Ended    time.Time
}

// ArgsFunc builds the argv for one capture attempt, writing to
// outputPath. Segment numbering and output naming are the caller's
// concern (spec.md: "<output>/temp/<base>.partNNN").
type ArgsFunc func(outputPath string) []string

// Result is the outcome of running the capture loop to completion.
type Result struct {
	Segments []Segment
	// Ended is true once the capture tool exited cleanly (stream ended
	// normally); false means the retry window elapsed without success.
	Ended bool
}

// Run drives CAPTURE_LOOP until the stream ends cleanly or the retry
// window elapses with no successful segment. tempDir is the same
// filesystem as the eventual output directory (spec.md §4.2 constraint on
// atomic finalization); baseName is the output stem.
func Run(ctx context.Context, policy Policy, tempDir, baseName string, buildArgs ArgsFunc) (*Result, error) {
	result := &Result{}
	windowStart := time.Now()
	partNum := 0

	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		outputPath := filepath.Join(tempDir, fmt.Sprintf("%s.part%03d", baseName, partNum))
		args := buildArgs(outputPath)

		started := time.Now()
		res, err := runner.Run(ctx, 0, policy.ToolPath, args...)
		if err != nil {
			return result, fmt.Errorf("capture: launch attempt %d: %w", partNum, err)
		}
		ended := time.Now()

		seg := Segment{Path: outputPath, ExitCode: res.ExitCode, Started: started, Ended: ended}
		result.Segments = append(result.Segments, seg)
		partNum++

		if res.ExitCode == 0 {
			result.Ended = true
			return result, nil
		}

		// A run that itself lasted longer than the retry window counts as
		// evidence the stream is viable; reset the chain rather than give
		// up on a single attempt's failure after a long successful run.
		if ended.Sub(started) >= policy.RetryWindow {
			windowStart = time.Now()
		}

		if time.Since(windowStart) >= policy.RetryWindow {
			return result, nil
		}

		select {
		case <-time.After(policy.RetryDelay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
}
