//go:build linux

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjkirby/recwatch/internal/errkind"
	"github.com/mjkirby/recwatch/internal/slotregistry"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func baseConfig(t *testing.T, root string) Config {
	t.Helper()
	captureTool := writeScript(t, root, "capture.sh", `echo segment > "$3"; exit 0`)
	muxTool := writeScript(t, root, "mux.sh", `
n=$#
i=1
out=""
inputs=""
for a in "$@"; do
  if [ "$i" -eq "$n" ]; then
    out="$a"
  else
    inputs="$inputs $a"
  fi
  i=$((i+1))
done
: > "$out"
for f in $inputs; do
  cat "$f" >> "$out"
done
exit 0`)
	remuxTool := writeScript(t, root, "remux.sh", `cp "$1" "$2"; exit 0`)

	return Config{
		Username:        "alice",
		Quality:         "best",
		OutputDir:       filepath.Join(root, "out"),
		TempDir:         filepath.Join(root, "out", "temp"),
		UserLockDir:     filepath.Join(root, "userlocks"),
		QueueDir:        filepath.Join(root, "queue"),
		CaptureToolPath: captureTool,
		MuxToolPath:     muxTool,
		RemuxToolPath:   remuxTool,
		RetryDelay:      10 * time.Millisecond,
		RetryWindow:     2 * time.Second,
		FailFastSlot:    true,
	}
}

func TestRunProducesTSWithoutRemux(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(t, root)

	reg, err := slotregistry.New(filepath.Join(root, "slots"), 1)
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}

	result, err := Run(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if filepath.Ext(result.FinalArtifact) != ".ts" {
		t.Errorf("expected .ts artifact, got %s", result.FinalArtifact)
	}
	if _, err := os.Stat(result.FinalArtifact); err != nil {
		t.Errorf("final artifact missing: %v", err)
	}
	if result.JobID == "" {
		t.Error("expected an encode job to be enqueued")
	}

	entries, _ := os.ReadDir(cfg.TempDir)
	if len(entries) != 0 {
		t.Errorf("expected temp dir empty after finalize, found %v", entries)
	}
}

func TestRunWithRemuxProducesMP4(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(t, root)
	cfg.EnableRemux = true
	cfg.DeleteTSAfterRemux = true

	reg, _ := slotregistry.New(filepath.Join(root, "slots"), 1)

	result, err := Run(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if filepath.Ext(result.FinalArtifact) != ".mp4" {
		t.Errorf("expected .mp4 artifact, got %s", result.FinalArtifact)
	}
}

func TestRunUserBusyWhenLocked(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(t, root)

	if err := os.MkdirAll(cfg.UserLockDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	reg, _ := slotregistry.New(filepath.Join(root, "slots"), 1)

	// Race a first run for the same user in a goroutine against a second
	// run on this goroutine; both contend for the same per-user lock.
	firstCfg := cfg
	go func() {
		_, _ = Run(context.Background(), firstCfg, reg)
	}()

	// Give the first run a head start to acquire LOCK_USER; this is
	// inherently timing-sensitive so it is generous.
	time.Sleep(50 * time.Millisecond)

	_, err := Run(context.Background(), cfg, reg)
	// Either UserBusy (lock contention observed) or success (first run
	// already completed, since the fake tools are near-instant) is
	// acceptable; only an unexpected error kind is a failure.
	if err != nil {
		if kind := errkind.As(err); kind != errkind.UserBusy {
			t.Errorf("second run error kind = %q, want UserBusy: %v", kind, err)
		}
		t.Logf("second run error (acceptable): %v", err)
	}
}

func TestRunRejectsInvalidUsername(t *testing.T) {
	root := t.TempDir()
	cfg := baseConfig(t, root)
	cfg.Username = "../../etc/passwd"

	reg, _ := slotregistry.New(filepath.Join(root, "slots"), 1)

	if _, err := Run(context.Background(), cfg, reg); err == nil {
		t.Fatal("expected error for invalid username")
	}
}
