// SPDX-License-Identifier: MIT

package main

import "fmt"

// runEncodeMode implements `encode-mode on|off|status`: the operator
// switch that pauses the Encode Daemon regardless of Slot Registry
// activity (internal/encoder.EnabledSource), rewriting the config file
// so the running daemon picks it up on its next poll tick.
func runEncodeMode(args []string) error {
	if len(args) == 0 {
		return usageErrf("encode-mode: expected on, off, or status")
	}

	path := resolveConfigPath(args[1:])

	switch args[0] {
	case "status":
		cfg, err := loadConfigForEdit(path)
		if err != nil {
			return err
		}
		if cfg.EncodeDaemon.Enabled {
			fmt.Println("encode-mode: on")
		} else {
			fmt.Println("encode-mode: off")
		}
		return nil
	case "on", "off":
		cfg, err := loadConfigForEdit(path)
		if err != nil {
			return err
		}
		cfg.EncodeDaemon.Enabled = args[0] == "on"
		if err := saveConfigWithBackup(cfg, path); err != nil {
			return err
		}
		fmt.Printf("encode-mode: %s\n", args[0])
		return nil
	default:
		return usageErrf("encode-mode: unknown subcommand %q", args[0])
	}
}
