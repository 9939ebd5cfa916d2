// SPDX-License-Identifier: MIT

// recwatch is the single CLI binary exposing every operation of the
// coordination core (spec.md §6 "Command surface"): `record` runs one
// Recorder invocation; `encode-daemon`/`poller` run|stop|status manage the
// two long-lived singletons; `stop <slot>` and `status` inspect or
// interrupt live state; `clean`/`doctor` expose the recovery surface;
// `users` edits the poller's users file; `encode-mode` toggles the Encode
// Daemon's operator switch; `tscompress` enqueues files directly.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mjkirby/recwatch/internal/errkind"
	"github.com/mjkirby/recwatch/internal/logging"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

// usageError marks an argument/usage mistake, mapped to exit code 2
// (spec.md §6 exit code table) rather than errkind's generic 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usageErrf(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}

func main() {
	err := run(os.Args[1:])
	if err == nil {
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ue usageError
	if errors.As(err, &ue) {
		os.Exit(2)
	}
	os.Exit(errkind.As(err).ExitCode())
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	setupLogger(boolFlag(args, "json-logs"))

	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "record":
		return runRecord(commandArgs)
	case "encode-daemon":
		return runEncodeDaemon(commandArgs)
	case "poller":
		return runPoller(commandArgs)
	case "stop":
		return runStop(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "clean":
		return runClean(commandArgs)
	case "doctor":
		return runDoctor(commandArgs)
	case "users":
		return runUsers(commandArgs)
	case "encode-mode":
		return runEncodeMode(commandArgs)
	case "tscompress":
		return runTSCompress(commandArgs)
	default:
		return usageErrf("unknown command: %s (run 'recwatch help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`recwatch v%s

USAGE:
    recwatch <COMMAND> [OPTIONS]

COMMANDS:
    record                        Record one user's live stream
    encode-daemon run|stop|status Manage the Encode Daemon singleton
    poller run|stop|status        Manage the Poller Daemon singleton
    stop <slot>                   Interrupt a slot's owning recorder
    status                        Show slot, encoder, and poller status
    clean                         Sweep stale state (doctor --fix)
    doctor                        Report stale state (sweeps only dead slot owners)
    users list|add|remove         Edit the poller's users file
    encode-mode on|off|status     Toggle the Encode Daemon operator switch
    tscompress <files...>         Enqueue files directly for encoding

GLOBAL OPTIONS:
    --config PATH     Path to configuration file (default: %s)
    --json-logs       Emit structured JSON logs instead of text
    --help, -h        Show this help message

EXAMPLES:
    recwatch record --user alice --quality source --fail-fast
    recwatch encode-daemon run
    recwatch poller run --config /etc/recwatch/config.yaml
    recwatch stop 2 --force
    recwatch status --json
    recwatch doctor
    sudo recwatch clean --yes
    recwatch users add alice
    recwatch encode-mode off
    recwatch tscompress /var/lib/recwatch/recordings/*.mp4
`, Version, defaultConfigPathHelp())
	return nil
}

func runVersion() error {
	fmt.Printf("recwatch\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

// setupLogger installs the process-wide slog handler, writing to stderr so
// stdout stays free for human-facing command output (spec.md §6's global
// JSON-log flag).
func setupLogger(jsonLogs bool) *slog.Logger {
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// setupComponentLogger upgrades the process-wide slog handler for one of
// the three long-running commands (record, encode-daemon run, poller run)
// to also write into a size-rotated file under paths.logs_dir, giving that
// config key (spec.md §6) a real consumer. logsDir == "" leaves the
// stderr-only logger from setupLogger in place and returns a nil writer.
//
// The returned writer is handed to the Encode Daemon/Poller Daemon as
// Config.LogWriter so each owns its log file's lifecycle (tracked and
// closed on shutdown) rather than leaving it open until process exit.
func setupComponentLogger(component, logsDir string, jsonLogs bool) *logging.RotatingWriter {
	if logsDir == "" {
		return nil
	}
	w, err := logging.New(logging.ComponentPath(logsDir, component))
	if err != nil {
		slog.Default().Warn("open component log file", "component", component, "error", err)
		return nil
	}

	out := io.MultiWriter(os.Stderr, w)
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(out, nil)
	} else {
		handler = slog.NewTextHandler(out, nil)
	}
	slog.SetDefault(slog.New(handler))
	return w
}

// stringFlag extracts "--name=value" or "--name value" from args.
func stringFlag(args []string, name, def string) string {
	prefix := "--" + name + "="
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], prefix):
			return strings.TrimPrefix(args[i], prefix)
		case args[i] == "--"+name && i+1 < len(args):
			return args[i+1]
		}
	}
	return def
}

// boolFlag reports whether a bare "--name" switch is present in args.
func boolFlag(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

func intFlag(args []string, name string, def int) int {
	v := stringFlag(args, name, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationFlag(args []string, name string, def time.Duration) time.Duration {
	v := stringFlag(args, name, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// positional strips every "--name" / "--name=value" / "--name value" flag
// from args and returns the remaining operands, e.g. `stop <slot>`'s slot
// index or `tscompress <files...>`'s file list. valueFlags names the
// flags that take a separate value token (so it isn't mistaken for a
// positional operand); flags not listed are treated as bare switches.
func positional(args []string, valueFlags map[string]bool) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") {
			name := strings.TrimPrefix(a, "--")
			if eq := strings.Index(name, "="); eq >= 0 {
				continue
			}
			if valueFlags[name] && i+1 < len(args) {
				i++
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

func defaultConfigPathHelp() string {
	return "/etc/recwatch/config.yaml"
}
