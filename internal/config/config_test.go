package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfig verifies basic YAML parsing and validation.
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `paths:
  queue_dir: /var/lib/recwatch/queue
  logs_dir: /var/log/recwatch
limits:
  record_limit: 6
storage:
  disk_free_min_gb: 5
record:
  quality: source
  retry_delay: 3s
  retry_window: 45s
  enable_remux: true
encode_daemon:
  preset: fast
  crf: 20
poller:
  users_file: /etc/recwatch/users.txt
  interval: 15s
  probe_concurrency: 8
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Limits.RecordLimit != 6 {
		t.Errorf("RecordLimit = %d, want 6", cfg.Limits.RecordLimit)
	}
	if cfg.Storage.DiskFreeMinGB != 5 {
		t.Errorf("DiskFreeMinGB = %d, want 5", cfg.Storage.DiskFreeMinGB)
	}
	if cfg.Record.RetryDelay != 3*time.Second {
		t.Errorf("RetryDelay = %v, want 3s", cfg.Record.RetryDelay)
	}
	if cfg.EncodeDaemon.Preset != "fast" || cfg.EncodeDaemon.CRF != 20 {
		t.Errorf("EncodeDaemon = %+v, want preset fast crf 20", cfg.EncodeDaemon)
	}
	if cfg.Poller.ProbeConcurrency != 8 {
		t.Errorf("ProbeConcurrency = %d, want 8", cfg.Poller.ProbeConcurrency)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("limits: [unterminated"), 0644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"negative record limit", func(c *Config) { c.Limits.RecordLimit = -1 }, true},
		{"negative disk threshold gb", func(c *Config) { c.Storage.DiskFreeMinGB = -1 }, true},
		{"negative disk threshold bytes", func(c *Config) { c.Storage.DiskFreeMinBytes = -1 }, true},
		{"negative retry delay", func(c *Config) { c.Record.RetryDelay = -time.Second }, true},
		{"negative retry window", func(c *Config) { c.Record.RetryWindow = -time.Second }, true},
		{"negative crf", func(c *Config) { c.EncodeDaemon.CRF = -1 }, true},
		{"negative probe concurrency", func(c *Config) { c.Poller.ProbeConcurrency = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate cleanly: %v", err)
	}
	if cfg.Limits.RecordLimit <= 0 {
		t.Error("expected a positive default record limit")
	}
	if cfg.Record.RetryWindow <= cfg.Record.RetryDelay {
		t.Error("expected retry_window to exceed retry_delay by default")
	}
}

func TestStorageMinBytes(t *testing.T) {
	tests := []struct {
		name string
		cfg  StorageConfig
		want uint64
	}{
		{"unset", StorageConfig{}, 0},
		{"gb only", StorageConfig{DiskFreeMinGB: 2}, 2 << 30},
		{"bytes wins over gb", StorageConfig{DiskFreeMinGB: 2, DiskFreeMinBytes: 100}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.MinBytes(); got != tt.want {
				t.Errorf("MinBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Limits.RecordLimit = 9
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after Save: %v", err)
	}
	if loaded.Limits.RecordLimit != 9 {
		t.Errorf("RecordLimit = %d, want 9", loaded.Limits.RecordLimit)
	}
}

func TestSaveConfigAtomicPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestSaveConfigToNonexistentDir(t *testing.T) {
	err := DefaultConfig().Save("/nonexistent_dir_12345/config.yaml")
	if err == nil {
		t.Error("Save() to nonexistent directory should fail")
	}
}

// mockAtomicFile implements atomicFile for testing error injection in
// saveWith, the same injection seam the teacher's config.go exposes.
type mockAtomicFile struct {
	name     string
	realFile *os.File
	writeErr error
	syncErr  error
	chmodErr error
	closeErr error
}

func (m *mockAtomicFile) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return len(p), nil
}

func (m *mockAtomicFile) Sync() error               { return m.syncErr }
func (m *mockAtomicFile) Chmod(_ os.FileMode) error { return m.chmodErr }
func (m *mockAtomicFile) Close() error {
	if m.realFile != nil {
		_ = m.realFile.Close()
	}
	return m.closeErr
}
func (m *mockAtomicFile) Name() string { return m.name }

func newMockCreateTemp(dir string, mock *mockAtomicFile) atomicCreateTemp {
	return func(d, pattern string) (atomicFile, error) {
		f, err := os.CreateTemp(dir, pattern)
		if err != nil {
			return nil, err
		}
		mock.realFile = f
		mock.name = f.Name()
		return mock, nil
	}
}

func TestSaveWithInjectableErrors(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("write error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{writeErr: errors.New("disk full")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil || !strings.Contains(err.Error(), "write temp file") {
			t.Errorf("err = %v, want write temp file error", err)
		}
	})

	t.Run("sync error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{syncErr: errors.New("sync failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil || !strings.Contains(err.Error(), "sync temp file") {
			t.Errorf("err = %v, want sync temp file error", err)
		}
	})

	t.Run("chmod error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{chmodErr: errors.New("chmod failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil || !strings.Contains(err.Error(), "chmod temp file") {
			t.Errorf("err = %v, want chmod temp file error", err)
		}
	})

	t.Run("close error", func(t *testing.T) {
		tmpDir := t.TempDir()
		mock := &mockAtomicFile{closeErr: errors.New("close failed")}
		err := cfg.saveWith(filepath.Join(tmpDir, "config.yaml"), newMockCreateTemp(tmpDir, mock))
		if err == nil || !strings.Contains(err.Error(), "close temp file") {
			t.Errorf("err = %v, want close temp file error", err)
		}
	})

	t.Run("createTemp error", func(t *testing.T) {
		failCreate := func(dir, pattern string) (atomicFile, error) {
			return nil, errors.New("createTemp failed")
		}
		err := cfg.saveWith("/tmp/config.yaml", failCreate)
		if err == nil || !strings.Contains(err.Error(), "create temp file") {
			t.Errorf("err = %v, want create temp file error", err)
		}
	})
}

func FuzzLoadConfig(f *testing.F) {
	seeds := []string{
		`limits:
  record_limit: 4
`,
		`paths:
  queue_dir: /var/lib/recwatch/queue
limits:
  record_limit: 2
storage:
  disk_free_min_gb: 1
record:
  quality: source
  retry_delay: 5s
  retry_window: 60s
encode_daemon:
  preset: medium
  crf: 23
poller:
  interval: 30s
  probe_concurrency: 4
`,
		`limits:
  record_limit: -1
`,
		``,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data string) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("seed config: %v", err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			if cfg != nil {
				t.Errorf("LoadConfig returned non-nil config alongside error: %v", err)
			}
			return
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("LoadConfig returned a config that fails its own Validate(): %v", err)
		}
	})
}
