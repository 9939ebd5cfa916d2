// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/mjkirby/recwatch/internal/poller"
)

// runUsers dispatches `users list|add|remove`, editing the file the
// Poller Daemon re-reads every cycle (spec.md §4.4 item 1).
func runUsers(args []string) error {
	if len(args) == 0 {
		return usageErrf("users: expected list, add, or remove")
	}
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	path := cfg.Poller.UsersFile

	switch args[0] {
	case "list":
		users, err := poller.ReadUsers(path)
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Println(u)
		}
		return nil
	case "add":
		operands := positional(args[1:], map[string]bool{"config": true})
		if len(operands) != 1 {
			return usageErrf("users add: expected exactly one username")
		}
		return poller.AddUser(path, operands[0])
	case "remove":
		operands := positional(args[1:], map[string]bool{"config": true})
		if len(operands) != 1 {
			return usageErrf("users remove: expected exactly one username")
		}
		return poller.RemoveUser(path, operands[0])
	default:
		return usageErrf("users: unknown subcommand %q", args[0])
	}
}
