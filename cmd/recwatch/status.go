// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/status"
)

// statusReport is the machine-readable shape `status --json` prints.
type statusReport struct {
	Slots struct {
		Used  int                  `json:"used"`
		Total int                  `json:"total"`
		Live  []slotregistry.Owner `json:"live"`
	} `json:"slots"`
	Encoder *status.Heartbeat `json:"encoder,omitempty"`
	Poller  *status.Heartbeat `json:"poller,omitempty"`
}

// runStatus implements `status`: a snapshot of Slot Registry occupancy
// plus both daemons' heartbeats.
func runStatus(args []string) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}

	registry, err := slotregistry.New(slotregistry.ResolveRuntimeDir(), cfg.Limits.RecordLimit)
	if err != nil {
		return err
	}
	live, err := registry.Enumerate()
	if err != nil {
		return err
	}

	var report statusReport
	report.Slots.Used = len(live)
	report.Slots.Total = registry.N()
	report.Slots.Live = live
	report.Encoder, _ = status.Read(cfg.Paths.StateDir, "encoder")
	report.Poller, _ = status.Read(cfg.Paths.StateDir, "poller")

	if boolFlag(args, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("slots: %d/%d in use\n", report.Slots.Used, report.Slots.Total)
	for _, o := range live {
		fmt.Printf("  user=%s pid=%d started_at=%s\n", o.Username, o.PID, o.StartedAt)
	}
	if report.Encoder != nil {
		printHeartbeat("encoder", report.Encoder)
	} else {
		fmt.Println("encoder: not running")
	}
	if report.Poller != nil {
		printHeartbeat("poller", report.Poller)
	} else {
		fmt.Println("poller: not running")
	}
	return nil
}
