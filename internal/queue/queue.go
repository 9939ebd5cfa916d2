// SPDX-License-Identifier: MIT

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mjkirby/recwatch/internal/util"
)

// ErrEmpty is returned by Next when the queue has no pending job.
var ErrEmpty = errors.New("queue: no pending job")

// Queue is a directory-backed FIFO of encode jobs.
//
// Layout (spec.md §6):
//
//	<dir>/jobs/*.json       committed, pending jobs
//	<dir>/tmp/*.json        enqueue staging area
//	<dir>/inflight/*.json   claimed by a consumer, mid-transcode
//	<dir>/jobs/*.failed     a job that failed transcode, left for an operator
//	<dir>/jobs/*.failed.reason  the failure message for the above
type Queue struct {
	dir string
}

// New returns a Queue rooted at dir, creating its subdirectories.
func New(dir string) (*Queue, error) {
	q := &Queue{dir: dir}
	for _, sub := range []string{"jobs", "tmp", "inflight"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("queue: create %s: %w", sub, err)
		}
	}
	return q, nil
}

func (q *Queue) jobsDir() string     { return filepath.Join(q.dir, "jobs") }
func (q *Queue) tmpDir() string      { return filepath.Join(q.dir, "tmp") }
func (q *Queue) inflightDir() string { return filepath.Join(q.dir, "inflight") }

// fileName encodes a monotonically assignable order: a zero-padded
// nanosecond timestamp so file names sort chronologically, plus a
// uuid suffix so concurrent enqueues never collide and ties break
// lexicographically (spec.md §4.3, §5).
func fileName(id string, now time.Time) string {
	return fmt.Sprintf("%020d-%s.json", now.UnixNano(), id)
}

// Enqueue writes job atomically (temp-then-rename) into the queue
// directory. job.ID and job.EnqueuedAt are populated if unset.
func (q *Queue) Enqueue(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}

	name := fileName(job.ID, job.EnqueuedAt)
	tmpPath := filepath.Join(q.tmpDir(), name+".tmp")
	finalPath := filepath.Join(q.jobsDir(), name)

	if err := util.WriteFileAtomic(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("queue: stage job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("queue: commit job %s: %w", job.ID, err)
	}

	return finalPath, nil
}

// listNames returns valid job file names in dir sorted lexicographically.
func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Pending lists queued jobs in FIFO order without claiming any of them.
func (q *Queue) Pending() ([]string, error) {
	return listNames(q.jobsDir())
}

// Claimed holds a job that has been moved to inflight/ for processing.
type Claimed struct {
	Job      Job
	Name     string // base file name, shared across jobs/tmp/inflight
	inflight string
	q        *Queue
}

// Next claims the lexicographically-smallest pending job, renaming it into
// inflight/ so a crash mid-transcode leaves a clear recovery target
// (spec.md §4.3). It returns ErrEmpty if no job is pending.
//
// A job file whose JSON fails to parse is itself a sign of a torn write
// that should never happen given atomic enqueue (spec.md §3 invariant); it
// is moved aside as .failed rather than blocking the queue forever.
func (q *Queue) Next() (*Claimed, error) {
	names, err := q.listValidPending()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmpty
	}

	name := names[0]
	src := filepath.Join(q.jobsDir(), name)
	dst := filepath.Join(q.inflightDir(), name)

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", name, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: parse %s: %w", name, err)
	}

	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", name, err)
	}

	return &Claimed{Job: job, Name: name, inflight: dst, q: q}, nil
}

// listValidPending is Pending with corrupt entries quarantined as .failed.
func (q *Queue) listValidPending() ([]string, error) {
	names, err := listNames(q.jobsDir())
	if err != nil {
		return nil, err
	}

	var valid []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.jobsDir(), name))
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			q.quarantine(name, "unparseable job file")
			continue
		}
		valid = append(valid, name)
	}
	return valid, nil
}

func (q *Queue) quarantine(name, reason string) {
	src := filepath.Join(q.jobsDir(), name)
	dst := src + ".failed"
	_ = os.Rename(src, dst)
	_ = os.WriteFile(dst+".reason", []byte(reason), 0644)
}

// Complete deletes the claimed job. If deleteInput is true it also removes
// the job's input artifact, per spec.md §4.3's delete_input_on_success
// policy.
func (c *Claimed) Complete(deleteInput bool) error {
	if err := os.Remove(c.inflight); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: remove inflight %s: %w", c.Name, err)
	}
	if deleteInput {
		if err := os.Remove(c.Job.InputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("queue: remove input %s: %w", c.Job.InputPath, err)
		}
	}
	return nil
}

// Fail renames the inflight job back into jobs/ as <name>.failed and
// records reason alongside it (spec.md §4.3). The job is not
// re-enqueued; an operator must act on it.
func (c *Claimed) Fail(reason string) error {
	dst := filepath.Join(c.q.jobsDir(), c.Name+".failed")
	if err := os.Rename(c.inflight, dst); err != nil {
		return fmt.Errorf("queue: fail %s: %w", c.Name, err)
	}
	if err := os.WriteFile(dst+".reason", []byte(reason), 0644); err != nil {
		return fmt.Errorf("queue: write failure reason for %s: %w", c.Name, err)
	}
	return nil
}

// RecoverInflight moves any job left in inflight/ by a crashed consumer
// back into jobs/ so it is retried from the top of the FIFO order next
// cycle (used by the doctor/clean commands, spec.md §7 Recovery).
func (q *Queue) RecoverInflight() ([]string, error) {
	names, err := listNames(q.inflightDir())
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, name := range names {
		src := filepath.Join(q.inflightDir(), name)
		dst := filepath.Join(q.jobsDir(), name)
		if err := os.Rename(src, dst); err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", name, err)
		}
		recovered = append(recovered, name)
	}
	return recovered, nil
}
