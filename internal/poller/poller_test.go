//go:build linux

package poller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjkirby/recwatch/internal/lock"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestUserBusyReflectsLockState(t *testing.T) {
	root := t.TempDir()
	d := &Daemon{cfg: Config{UserLockDir: root}}

	if d.userBusy("alice") {
		t.Error("expected alice not busy before any lock is held")
	}

	fl, err := lock.NewFileLock(filepath.Join(root, "alice.lock"))
	if err != nil {
		t.Fatalf("NewFileLock: %v", err)
	}
	if err := fl.AcquireNonBlocking(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer fl.Release()

	if !d.userBusy("alice") {
		t.Error("expected alice busy while lock is held")
	}
}

func TestProbeLiveFiltersByExitCode(t *testing.T) {
	root := t.TempDir()
	probe := filepath.Join(root, "probe.sh")
	writeScript(t, probe, `case "$1" in live1|live2) exit 0;; *) exit 1;; esac`)

	d := &Daemon{cfg: Config{ProbeToolPath: probe, ProbeTimeout: time.Second, ProbeConcurrency: 2}}
	live := d.probeLive(context.Background(), []string{"dead1", "live1", "dead2", "live2"})

	if len(live) != 2 || live[0] != "live1" || live[1] != "live2" {
		t.Errorf("got %v, want [live1 live2] in input order", live)
	}
}

func TestRunCycleSpawnsUpToFreeSlots(t *testing.T) {
	root := t.TempDir()

	usersFile := filepath.Join(root, "users.txt")
	os.WriteFile(usersFile, []byte("alice\nbob\ncarol\n"), 0644)

	userLockDir := filepath.Join(root, "userlocks")
	os.MkdirAll(userLockDir, 0755)

	// alice is already being recorded.
	aliceLock, _ := lock.NewFileLock(filepath.Join(userLockDir, "alice.lock"))
	_ = aliceLock.AcquireNonBlocking()
	defer aliceLock.Release()

	probe := filepath.Join(root, "probe.sh")
	writeScript(t, probe, `exit 0`) // everyone not already locked probes live

	marker := filepath.Join(root, "spawned")
	recorderBin := filepath.Join(root, "recorder.sh")
	writeScript(t, recorderBin, `echo "$3" >> "`+marker+`"; exit 0`)

	reg, err := slotregistry.New(filepath.Join(root, "slots"), 1)
	if err != nil {
		t.Fatalf("New registry: %v", err)
	}

	cfg := Config{
		UsersFile:        usersFile,
		UserLockDir:      userLockDir,
		StateDir:         filepath.Join(root, "state"),
		LockPath:         filepath.Join(root, "poller.lock"),
		Interval:         time.Hour,
		ProbeToolPath:    probe,
		ProbeTimeout:     time.Second,
		ProbeConcurrency: 2,
		RecorderBin:      recorderBin,
	}

	d, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New daemon: %v", err)
	}

	d.runCycle(context.Background(), 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("expected recorder to be spawned: %v", err)
	}
	// N=1 and alice is busy, so exactly one of bob/carol should be spawned.
	lines := splitNonEmpty(string(data))
	if len(lines) != 1 {
		t.Errorf("expected exactly 1 spawn with 1 free slot, got %v", lines)
	}

	hb, err := status.Read(cfg.StateDir, "poller")
	if err != nil {
		t.Fatalf("status.Read: %v", err)
	}
	if hb.SpawnedNow != 1 {
		t.Errorf("heartbeat SpawnedNow = %d, want 1", hb.SpawnedNow)
	}

	_ = d.lock.Release()
}

func splitNonEmpty(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == '\n' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
