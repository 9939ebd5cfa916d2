// Package diagnostics implements the `doctor` and `clean` commands
// (spec.md §7 Recovery): a list of checks, each reporting a status and
// message, run sequentially against the coordination core's own state —
// stale slot owners, stale per-user locks, orphaned in-flight jobs,
// leftover temp/ residue, free disk space, and required external tool
// presence.
//
// Reference: the CheckResult/CheckStatus/DiagnosticReport/Runner/
// PrintReport shape is kept from the teacher's diagnostics package;
// only the check set is new, since the teacher's checks are
// ALSA/MediaMTX/systemd specific and this domain has none of those
// collaborators.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjkirby/recwatch/internal/queue"
	"github.com/mjkirby/recwatch/internal/slotregistry"
	"github.com/mjkirby/recwatch/internal/util"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   CheckStatus   `json:"status"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	// Fixed is set when the check took corrective action: in --fix mode
	// (`clean`), or, for the stale slot owner check, in either mode.
	Fixed bool `json:"fixed,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusError    CheckStatus = "ERROR"
)

// Summary tallies check statuses.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Error    int `json:"error"`
}

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Checks    []CheckResult `json:"checks"`
	Summary   Summary       `json:"summary"`
	Healthy   bool          `json:"healthy"`
}

// Options configures a Runner. The directories and tool paths are taken
// as explicit parameters rather than resolved from ambient global state,
// per spec.md's design note to keep the core free of process-wide
// singletons.
type Options struct {
	RuntimeDir       string // Slot Registry directory
	RecordLimit      int
	UserLockDir      string
	QueueDir         string
	RecordTempDirs   []string // temp/ directories to check for residue
	DiskCheckPath    string
	DiskFreeMinBytes uint64
	RequiredTools    []string // capture/probe/mux/remux/transcode tool names expected on PATH

	// Fix, when true, makes each check apply its corrective action
	// instead of only reporting. This is what distinguishes `clean`
	// (Fix: true) from `doctor` (Fix: false). The stale slot owner check
	// is the exception: it sweeps dead owner records in both modes.
	Fix bool
}

// Runner executes the configured checks.
type Runner struct {
	opts Options
}

// NewRunner constructs a Runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes every check in order and returns a DiagnosticReport.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()
	report := &DiagnosticReport{Timestamp: start}

	for _, check := range r.getChecks() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		result := check(ctx)
		report.Checks = append(report.Checks, result)

		report.Summary.Total++
		switch result.Status {
		case StatusOK:
			report.Summary.OK++
		case StatusWarning:
			report.Summary.Warning++
		case StatusCritical:
			report.Summary.Critical++
		case StatusError:
			report.Summary.Error++
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0
	return report, nil
}

func (r *Runner) getChecks() []func(context.Context) CheckResult {
	return []func(context.Context) CheckResult{
		r.checkStaleSlotOwners,
		r.checkStalePerUserLocks,
		r.checkOrphanedInflightJobs,
		r.checkTempResidue,
		r.checkDiskSpace,
		r.checkRequiredTools,
		r.checkRuntimeDirWritable,
	}
}

func timed(name string, fn func() (CheckStatus, string, bool)) CheckResult {
	start := time.Now()
	status, msg, fixed := fn()
	return CheckResult{Name: name, Status: status, Message: msg, Duration: time.Since(start), Fixed: fixed}
}

// checkStaleSlotOwners sweeps and reports slot owner records whose PID is
// no longer live. The sweep is a side effect of Enumerate, so it happens
// in both doctor and clean, regardless of Fix.
func (r *Runner) checkStaleSlotOwners(ctx context.Context) CheckResult {
	return timed("stale slot owners", func() (CheckStatus, string, bool) {
		if r.opts.RuntimeDir == "" || r.opts.RecordLimit <= 0 {
			return StatusWarning, "slot registry not configured", false
		}
		reg, err := slotregistry.New(r.opts.RuntimeDir, r.opts.RecordLimit)
		if err != nil {
			return StatusError, err.Error(), false
		}
		before := countOwnerFiles(r.opts.RuntimeDir, r.opts.RecordLimit)
		live, err := reg.Enumerate()
		if err != nil {
			return StatusError, err.Error(), false
		}
		swept := before - len(live)
		if swept > 0 {
			return StatusWarning, fmt.Sprintf("swept %d stale slot owner record(s)", swept), true
		}
		return StatusOK, fmt.Sprintf("%d/%d slots live, no stale owners", len(live), r.opts.RecordLimit), false
	})
}

func countOwnerFiles(dir string, n int) int {
	count := 0
	for i := 1; i <= n; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("slot%d.owner", i))); err == nil {
			count++
		}
	}
	return count
}

// checkStalePerUserLocks scans the per-user lock directory for lock
// files whose recorded PID is dead, removing them in --fix mode.
func (r *Runner) checkStalePerUserLocks(ctx context.Context) CheckResult {
	return timed("stale per-user locks", func() (CheckStatus, string, bool) {
		if r.opts.UserLockDir == "" {
			return StatusWarning, "user lock directory not configured", false
		}
		entries, err := os.ReadDir(r.opts.UserLockDir)
		if os.IsNotExist(err) {
			return StatusOK, "no user lock directory yet", false
		}
		if err != nil {
			return StatusError, err.Error(), false
		}

		stale := 0
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
				continue
			}
			path := filepath.Join(r.opts.UserLockDir, e.Name())
			if lockFileStale(path) {
				stale++
				if r.opts.Fix {
					_ = os.Remove(path)
				}
			}
		}
		if stale > 0 {
			verb := "found"
			if r.opts.Fix {
				verb = "removed"
			}
			return StatusWarning, fmt.Sprintf("%s %d stale per-user lock(s)", verb, stale), r.opts.Fix
		}
		return StatusOK, "no stale per-user locks", false
	})
}

// lockFileStale reports whether a per-user lock file's recorded PID is
// dead, without mutating anything: doctor (report-only) must not clear
// the file itself, only clean (--fix) may.
func lockFileStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true
	}
	pid := 0
	if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil || pid == 0 {
		return true
	}
	return !util.PIDLive(pid)
}

// checkOrphanedInflightJobs reports jobs left in inflight/ by an encode
// daemon that crashed mid-job, recovering them back to jobs/ in --fix mode.
func (r *Runner) checkOrphanedInflightJobs(ctx context.Context) CheckResult {
	return timed("orphaned inflight jobs", func() (CheckStatus, string, bool) {
		if r.opts.QueueDir == "" {
			return StatusWarning, "queue directory not configured", false
		}
		q, err := queue.New(r.opts.QueueDir)
		if err != nil {
			return StatusError, err.Error(), false
		}

		if !r.opts.Fix {
			inflight, err := os.ReadDir(filepath.Join(r.opts.QueueDir, "inflight"))
			if err != nil && !os.IsNotExist(err) {
				return StatusError, err.Error(), false
			}
			if len(inflight) > 0 {
				return StatusWarning, fmt.Sprintf("%d job(s) left in inflight/ by a crashed encoder", len(inflight)), false
			}
			return StatusOK, "no orphaned inflight jobs", false
		}

		recovered, err := q.RecoverInflight()
		if err != nil {
			return StatusError, err.Error(), false
		}
		if len(recovered) > 0 {
			return StatusWarning, fmt.Sprintf("recovered %d orphaned inflight job(s) back to jobs/", len(recovered)), true
		}
		return StatusOK, "no orphaned inflight jobs", false
	})
}

// checkTempResidue reports files left behind in temp/ directories by a
// recorder that did not reach FINALIZE (spec.md §4.2).
func (r *Runner) checkTempResidue(ctx context.Context) CheckResult {
	return timed("temp/ residue", func() (CheckStatus, string, bool) {
		if len(r.opts.RecordTempDirs) == 0 {
			return StatusOK, "no temp directories configured", false
		}
		total := 0
		var removed int
		for _, dir := range r.opts.RecordTempDirs {
			entries, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return StatusError, err.Error(), false
			}
			total += len(entries)
			if r.opts.Fix {
				for _, e := range entries {
					if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
						removed++
					}
				}
			}
		}
		if total == 0 {
			return StatusOK, "no residue in temp/ directories", false
		}
		if r.opts.Fix {
			return StatusWarning, fmt.Sprintf("removed %d file(s) from temp/ directories", removed), true
		}
		return StatusWarning, fmt.Sprintf("%d file(s) left in temp/ from an incomplete recorder run", total), false
	})
}

// checkDiskSpace reports free space at the configured storage path.
func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	return timed("disk space", func() (CheckStatus, string, bool) {
		if r.opts.DiskCheckPath == "" {
			return StatusOK, "no disk check path configured", false
		}
		free, err := util.DiskFree(r.opts.DiskCheckPath)
		if err != nil {
			return StatusError, err.Error(), false
		}
		if r.opts.DiskFreeMinBytes > 0 && free < r.opts.DiskFreeMinBytes {
			return StatusCritical, fmt.Sprintf("%d bytes free, below threshold %d", free, r.opts.DiskFreeMinBytes), false
		}
		return StatusOK, fmt.Sprintf("%d bytes free", free), false
	})
}

// checkRequiredTools reports any capture/probe/mux/remux tool missing
// from PATH (spec.md §4.1 Inputs).
func (r *Runner) checkRequiredTools(ctx context.Context) CheckResult {
	return timed("external tool presence", func() (CheckStatus, string, bool) {
		var missing []string
		for _, tool := range r.opts.RequiredTools {
			if tool == "" {
				continue
			}
			if _, err := exec.LookPath(tool); err != nil {
				missing = append(missing, tool)
			}
		}
		if len(missing) > 0 {
			return StatusCritical, fmt.Sprintf("missing on PATH: %s", strings.Join(missing, ", ")), false
		}
		return StatusOK, "all required tools found on PATH", false
	})
}

// checkRuntimeDirWritable verifies the Slot Registry directory accepts
// the atomic-write-then-rename pattern every component in this core
// relies on.
func (r *Runner) checkRuntimeDirWritable(ctx context.Context) CheckResult {
	return timed("runtime directory writable", func() (CheckStatus, string, bool) {
		dir := r.opts.RuntimeDir
		if dir == "" {
			dir = slotregistry.ResolveRuntimeDir()
		}
		probe := filepath.Join(dir, ".doctor-probe")
		if err := util.WriteFileAtomic(probe, []byte("ok"), 0644); err != nil {
			return StatusCritical, fmt.Sprintf("runtime dir %s not writable: %v", dir, err), false
		}
		_ = os.Remove(probe)
		return StatusOK, fmt.Sprintf("%s is writable", dir), false
	})
}

// PrintReport writes a human-readable report to w.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	fmt.Fprintf(w, "recwatch doctor report\n")
	fmt.Fprintf(w, "=======================\n\n")
	fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	for _, check := range report.Checks {
		symbol := "✓"
		switch check.Status {
		case StatusWarning:
			symbol = "⚠"
		case StatusCritical:
			symbol = "✗"
		case StatusError:
			symbol = "!"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", symbol, check.Name, check.Message)
	}

	fmt.Fprintf(w, "\nSummary\n-------\n")
	fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning, report.Summary.Critical, report.Summary.Error)
	fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		fmt.Fprintf(w, "\nStatus: HEALTHY\n")
	} else {
		fmt.Fprintf(w, "\nStatus: ISSUES DETECTED\n")
	}
}

// ToJSON serializes the report for --json-logs-style machine consumption.
func (r *DiagnosticReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
