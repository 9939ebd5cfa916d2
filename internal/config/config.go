// SPDX-License-Identifier: MIT

// Package config loads the recwatch configuration (spec.md §6
// "Configuration options"): paths, slot/disk limits, recorder tuning,
// encode daemon transcode parameters, and poller behavior, each
// overridable by CLI flag, environment variable, or YAML file, in that
// precedence order over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/recwatch/config.yaml"

// Config represents the complete recwatch configuration.
type Config struct {
	Paths        PathsConfig        `yaml:"paths" koanf:"paths"`
	Limits       LimitsConfig       `yaml:"limits" koanf:"limits"`
	Storage      StorageConfig      `yaml:"storage" koanf:"storage"`
	Record       RecordConfig       `yaml:"record" koanf:"record"`
	EncodeDaemon EncodeDaemonConfig `yaml:"encode_daemon" koanf:"encode_daemon"`
	Poller       PollerConfig       `yaml:"poller" koanf:"poller"`
	Tools        ToolsConfig        `yaml:"tools" koanf:"tools"`
}

// ToolsConfig names the external collaborator binaries spec.md §1 treats
// as out of scope, resolved via PATH (never absolute-pathed, so an
// operator can upgrade any of them in place per spec.md §4.4's binary
// resolution note, generalized here to every external tool).
type ToolsConfig struct {
	CapturePath   string `yaml:"capture_path" koanf:"capture_path"`
	ProbePath     string `yaml:"probe_path" koanf:"probe_path"`
	MuxPath       string `yaml:"mux_path" koanf:"mux_path"`
	RemuxPath     string `yaml:"remux_path" koanf:"remux_path"`
	TranscodePath string `yaml:"transcode_path" koanf:"transcode_path"`
}

// PathsConfig locates the core's on-disk state (spec.md §6 paths.*).
type PathsConfig struct {
	QueueDir  string `yaml:"queue_dir" koanf:"queue_dir"`
	LogsDir   string `yaml:"logs_dir" koanf:"logs_dir"`
	RecordDir string `yaml:"record_dir" koanf:"record_dir"`
	// StateDir roots the daemon singleton locks and status heartbeats
	// (spec.md §6 "<state>/poller/status.json, <state>/encoder/status.json").
	StateDir string `yaml:"state_dir" koanf:"state_dir"`
}

// LimitsConfig bounds concurrent recordings (spec.md §6 limits.*).
type LimitsConfig struct {
	RecordLimit int `yaml:"record_limit" koanf:"record_limit"`
}

// StorageConfig guards against starting a capture with too little free
// space (spec.md §6 storage.*, §7 DiskLow).
type StorageConfig struct {
	DiskFreeMinGB    int64 `yaml:"disk_free_min_gb" koanf:"disk_free_min_gb"`
	DiskFreeMinBytes int64 `yaml:"disk_free_min_bytes" koanf:"disk_free_min_bytes"`
}

// MinBytes resolves the effective threshold: an explicit byte value wins
// over the gigabyte shorthand.
func (s StorageConfig) MinBytes() uint64 {
	if s.DiskFreeMinBytes > 0 {
		return uint64(s.DiskFreeMinBytes)
	}
	if s.DiskFreeMinGB > 0 {
		return uint64(s.DiskFreeMinGB) * 1 << 30
	}
	return 0
}

// RecordConfig tunes the Recorder state machine (spec.md §6 record.*,
// §4.2).
type RecordConfig struct {
	Quality               string        `yaml:"quality" koanf:"quality"`
	RetryDelay            time.Duration `yaml:"retry_delay" koanf:"retry_delay"`
	RetryWindow           time.Duration `yaml:"retry_window" koanf:"retry_window"`
	LogLevel              string        `yaml:"loglevel" koanf:"loglevel"`
	EnableRemux           bool          `yaml:"enable_remux" koanf:"enable_remux"`
	DeleteTSAfterRemux    bool          `yaml:"delete_ts_after_remux" koanf:"delete_ts_after_remux"`
	DeleteInputOnSuccess  bool          `yaml:"delete_input_on_success" koanf:"delete_input_on_success"`
}

// EncodeDaemonConfig tunes the transcoder invocation (spec.md §6
// encode_daemon.*, §4.3).
type EncodeDaemonConfig struct {
	Preset   string `yaml:"preset" koanf:"preset"`
	CRF      int    `yaml:"crf" koanf:"crf"`
	Threads  int    `yaml:"threads" koanf:"threads"`
	Height   int    `yaml:"height" koanf:"height"`
	FPS      int    `yaml:"fps" koanf:"fps"`
	LogLevel string `yaml:"loglevel" koanf:"loglevel"`
	// Enabled is the operator switch behind `encode-mode on/off` (spec.md
	// §6 command surface): when false, the running Encode Daemon holds
	// every job paused/idle regardless of Slot Registry activity.
	Enabled bool `yaml:"enabled" koanf:"enabled"`
}

// PollerConfig tunes the Poller Daemon (spec.md §6 poller.*, §4.4).
type PollerConfig struct {
	UsersFile        string        `yaml:"users_file" koanf:"users_file"`
	Interval         time.Duration `yaml:"interval" koanf:"interval"`
	Quality          string        `yaml:"quality" koanf:"quality"`
	DownloadCmd      string        `yaml:"download_cmd" koanf:"download_cmd"`
	Timeout          time.Duration `yaml:"timeout" koanf:"timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency" koanf:"probe_concurrency"`
}

// LoadConfig reads, parses and validates a YAML configuration file. It
// returns exactly what the file specifies: keys the file omits keep Go
// zero values, not DefaultConfig's.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- config path is administrator-controlled, from CLI/env
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	return &cfg, nil
}

// atomicFile abstracts the file handle Save writes through, for
// testability (the same injection seam as the teacher's config.go).
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path via the same
// write-temp-sync-chmod-rename sequence the teacher's config.Save uses,
// so a crash mid-write never leaves a torn config file. Called by the
// `encode-mode on/off` command after internal/config/backup.go snapshots
// the prior file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	// #nosec G302 -- config may record paths/tuning an operator wants kept
	// off world-readable, owner+group is sufficient for this daemon's use.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Limits.RecordLimit < 0 {
		return fmt.Errorf("limits.record_limit must not be negative")
	}
	if c.Storage.DiskFreeMinGB < 0 || c.Storage.DiskFreeMinBytes < 0 {
		return fmt.Errorf("storage.disk_free_min_gb/_bytes must not be negative")
	}
	if c.Record.RetryDelay < 0 || c.Record.RetryWindow < 0 {
		return fmt.Errorf("record.retry_delay/retry_window must not be negative")
	}
	if c.EncodeDaemon.CRF < 0 {
		return fmt.Errorf("encode_daemon.crf must not be negative")
	}
	if c.Poller.ProbeConcurrency < 0 {
		return fmt.Errorf("poller.probe_concurrency must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with the built-in defaults
// spec.md §6 promises when a key is unset anywhere else in the
// precedence chain.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			QueueDir:  "/var/lib/recwatch/queue",
			LogsDir:   "/var/log/recwatch",
			RecordDir: "/var/lib/recwatch/recordings",
			StateDir:  "/var/lib/recwatch/state",
		},
		Limits: LimitsConfig{
			RecordLimit: 4,
		},
		Storage: StorageConfig{
			DiskFreeMinGB: 2,
		},
		Record: RecordConfig{
			Quality:              "source",
			RetryDelay:           5 * time.Second,
			RetryWindow:          60 * time.Second,
			LogLevel:             "info",
			EnableRemux:          true,
			DeleteTSAfterRemux:   true,
			DeleteInputOnSuccess: true,
		},
		EncodeDaemon: EncodeDaemonConfig{
			Preset:   "medium",
			CRF:      23,
			Threads:  0,
			Height:   0,
			FPS:      0,
			LogLevel: "info",
			Enabled:  true,
		},
		Poller: PollerConfig{
			UsersFile:        "/etc/recwatch/users.txt",
			Interval:         30 * time.Second,
			Quality:          "source",
			Timeout:          10 * time.Second,
			ProbeConcurrency: 4,
		},
		Tools: ToolsConfig{
			CapturePath:   "streamlink",
			ProbePath:     "streamlink",
			MuxPath:       "ffmpeg",
			RemuxPath:     "ffmpeg",
			TranscodePath: "ffmpeg",
		},
	}
}
