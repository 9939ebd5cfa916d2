// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/util"
)

// runStop implements `stop <slot>`: interrupts the recorder holding a
// slot and force-releases the slot once it has exited (spec.md §4.1
// recovery surface).
func runStop(args []string) error {
	operands := positional(args, map[string]bool{"config": true})
	if len(operands) != 1 {
		return usageErrf("stop: expected exactly one slot index")
	}
	index, err := strconv.Atoi(operands[0])
	if err != nil {
		return usageErrf("stop: invalid slot index %q", operands[0])
	}

	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	registry, err := slotregistry.New(slotregistry.ResolveRuntimeDir(), cfg.Limits.RecordLimit)
	if err != nil {
		return err
	}

	owner, err := registry.Owner(index)
	if err != nil {
		return fmt.Errorf("stop: slot %d has no owner: %w", index, err)
	}
	if !util.PIDLive(owner.PID) {
		fmt.Printf("slot %d's recorder (pid %d) is already dead; releasing slot\n", index, owner.PID)
		return registry.ForceRelease(index)
	}

	if !confirm(args, fmt.Sprintf("stop slot %d (user %s, pid %d)?", index, owner.Username, owner.PID)) {
		return fmt.Errorf("stop: aborted")
	}

	force := boolFlag(args, "force")
	proc, err := os.FindProcess(owner.PID)
	if err != nil {
		return err
	}

	if force {
		_ = proc.Signal(syscall.SIGKILL)
	} else {
		if err := proc.Signal(syscall.SIGINT); err != nil {
			return fmt.Errorf("stop: signal pid %d: %w", owner.PID, err)
		}
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) && util.PIDLive(owner.PID) {
			time.Sleep(200 * time.Millisecond)
		}
		if util.PIDLive(owner.PID) {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}

	return registry.ForceRelease(index)
}
