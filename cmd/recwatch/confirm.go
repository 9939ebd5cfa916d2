// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// isTerminal reports whether f is an interactive terminal, gating the huh
// confirmation form: non-interactive invocations (cron, systemd, a CI
// pipeline) must pass --force/--yes instead of hanging on a TUI prompt.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// confirm prompts for operator confirmation before `stop <slot>` or
// `clean` takes a destructive action. --force/--yes bypasses the prompt
// (and is the only option when stdin is not a TTY), the same confirmation
// idiom as the teacher's menu.Confirm, retargeted to these two call sites.
func confirm(args []string, prompt string) bool {
	if boolFlag(args, "force") || boolFlag(args, "yes") {
		return true
	}
	if !isTerminal(os.Stdin) {
		return false
	}
	return confirmHuh(prompt)
}

func confirmHuh(prompt string) bool {
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

// confirmScanner is a plain-line alternative to the huh TUI form: it
// writes a y/N prompt to w and reads one answer line from r. Nothing in
// this package calls it.
func confirmScanner(r io.Reader, w io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}
