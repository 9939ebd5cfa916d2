//go:build linux

package encoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func newTestConfig(t *testing.T, root, transcodeScript string) Config {
	t.Helper()
	return Config{
		QueueDir:      filepath.Join(root, "queue"),
		StateDir:      filepath.Join(root, "state"),
		LockPath:      filepath.Join(root, "encoder.lock"),
		TranscodePath: transcodeScript,
		BuildArgs: func(job queue.Job, outputPath string) []string {
			return []string{job.InputPath, outputPath}
		},
		PreDequeuePoll: 20 * time.Millisecond,
		PausePoll:      20 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
	}
}

func TestDaemonProcessesJobAndCompletes(t *testing.T) {
	root := t.TempDir()
	tool := filepath.Join(root, "transcode.sh")
	writeScript(t, tool, `cp "$1" "$2"; exit 0`)

	cfg := newTestConfig(t, root, tool)
	reg, err := slotregistry.New(filepath.Join(root, "slots"), 1)
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}

	inputPath := filepath.Join(root, "input.ts")
	if err := os.WriteFile(inputPath, []byte("data"), 0644); err != nil {
		t.Fatalf("seed input: %v", err)
	}

	q, err := queue.New(cfg.QueueDir)
	if err != nil {
		t.Fatalf("New queue: %v", err)
	}
	if _, err := q.Enqueue(queue.Job{InputPath: inputPath, BaseName: "alice_x", Username: "alice"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pending, _ := q.Pending(); len(pending) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}

	if _, err := os.Stat(inputPath + ".compressed"); err != nil {
		t.Errorf("expected compressed output: %v", err)
	}

	if _, err := status.Read(cfg.StateDir, "encoder"); !os.IsNotExist(err) {
		t.Errorf("expected heartbeat removed on shutdown, got %v", err)
	}
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	root := t.TempDir()
	tool := filepath.Join(root, "transcode.sh")
	writeScript(t, tool, `exit 0`)

	cfg := newTestConfig(t, root, tool)
	reg, _ := slotregistry.New(filepath.Join(root, "slots"), 1)

	d1, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New first daemon: %v", err)
	}
	defer d1.shutdown()

	if _, err := New(cfg, reg); err == nil {
		t.Fatal("expected error starting a second encode daemon instance")
	}
}

func TestDaemonPausesWhileSlotActive(t *testing.T) {
	root := t.TempDir()
	tool := filepath.Join(root, "transcode.sh")
	// Runs for a while so the pause poller has time to act.
	writeScript(t, tool, `trap '' STOP 2>/dev/null; i=0; while [ $i -lt 30 ]; do i=$((i+1)); sleep 0.1; done`)

	cfg := newTestConfig(t, root, tool)
	reg, err := slotregistry.New(filepath.Join(root, "slots"), 1)
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}

	inputPath := filepath.Join(root, "input.ts")
	_ = os.WriteFile(inputPath, []byte("data"), 0644)

	q, _ := queue.New(cfg.QueueDir)
	_, _ = q.Enqueue(queue.Job{InputPath: inputPath, BaseName: "alice_x", Username: "alice"})

	d, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Wait for the transcoder to start.
	time.Sleep(100 * time.Millisecond)

	handle, err := reg.Acquire(context.Background(), "bob", true, 0)
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	paused := false
	for time.Now().Before(deadline) {
		d.mu.Lock()
		paused = d.paused
		d.mu.Unlock()
		if paused {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !paused {
		t.Error("expected daemon to pause transcoder while a slot is active")
	}

	if err := handle.Release(); err != nil {
		t.Fatalf("release slot: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		paused = d.paused
		d.mu.Unlock()
		if !paused {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if paused {
		t.Error("expected daemon to resume transcoder after slot released")
	}
}
