// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/mjkirby/recwatch/internal/config"
)

// resolveConfigPath returns the --config flag's value, or the built-in
// default path if absent.
func resolveConfigPath(args []string) string {
	return stringFlag(args, "config", config.DefaultConfigPath)
}

// loadConfig builds the read path's layered Config (env over YAML file
// over built-in defaults, spec.md §6), the precedence every command that
// only reads configuration uses. A missing file at the default path is
// tolerated (built-ins apply); a missing file explicitly named with
// --config is a usage error.
func loadConfig(args []string) (*config.Config, string, error) {
	path := resolveConfigPath(args)

	var opts []config.Option
	if _, err := os.Stat(path); err == nil {
		opts = append(opts, config.WithYAMLFile(path))
	} else if stringFlag(args, "config", "") != "" {
		return nil, "", usageErrf("config file %s: %w", path, err)
	}

	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	cfg, err := kc.Load()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// loadConfigForEdit loads the plain on-disk YAML (no environment overlay)
// for commands that mutate and re-save the file (`encode-mode on/off`):
// baking a process's transient env vars into the
// saved file would surprise the next reader. A missing file yields
// DefaultConfig so the first edit command run on a fresh host creates one.
func loadConfigForEdit(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// saveConfigWithBackup snapshots the existing file (if any) before
// overwriting it, the same backup-before-rewrite policy SPEC_FULL.md
// commits `encode-mode on/off` to.
func saveConfigWithBackup(cfg *config.Config, path string) error {
	_, err := config.BackupBeforeSave(cfg, path, config.GetBackupDir(path))
	return err
}
