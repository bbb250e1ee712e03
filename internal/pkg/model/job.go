package model

import (
	"fmt"
	"strings"
	"time"
)

// JobState is the normalized run state of an accounting entry.
type JobState string

const (
	JobPending     JobState = "pending"
	JobRunning     JobState = "running"
	JobCompleted   JobState = "completed"
	JobCancelled   JobState = "cancelled"
	JobFailed      JobState = "failed"
	JobTimeout     JobState = "timeout"
	JobOutOfMemory JobState = "out_of_memory"
)

// slurmStates maps Slurm state names and their short codes onto JobState.
// Slurm has more states than we track; the extra ones fold into the closest
// state with the same quota semantics.
var slurmStates = map[string]JobState{
	"PENDING":       JobPending,
	"PD":            JobPending,
	"SUSPENDED":     JobPending,
	"S":             JobPending,
	"REQUEUED":      JobPending,
	"RQ":            JobPending,
	"RESIZING":      JobPending,
	"RS":            JobPending,
	"RUNNING":       JobRunning,
	"R":             JobRunning,
	"COMPLETING":    JobRunning,
	"CG":            JobRunning,
	"COMPLETED":     JobCompleted,
	"CD":            JobCompleted,
	"CANCELLED":     JobCancelled,
	"CA":            JobCancelled,
	"PREEMPTED":     JobCancelled,
	"PR":            JobCancelled,
	"REVOKED":       JobCancelled,
	"RV":            JobCancelled,
	"FAILED":        JobFailed,
	"F":             JobFailed,
	"NODE_FAIL":     JobFailed,
	"NF":            JobFailed,
	"BOOT_FAIL":     JobFailed,
	"BF":            JobFailed,
	"DEADLINE":      JobFailed,
	"DL":            JobFailed,
	"TIMEOUT":       JobTimeout,
	"TO":            JobTimeout,
	"OUT_OF_MEMORY": JobOutOfMemory,
	"OOM":           JobOutOfMemory,
}

// ParseJobState parses a Slurm state string such as "RUNNING", "CD" or
// "CANCELLED by 1234".
func ParseJobState(s string) (JobState, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty job state", ErrMalformedData)
	}
	st, ok := slurmStates[strings.ToUpper(fields[0])]
	if !ok {
		return "", fmt.Errorf("%w: unknown job state %q", ErrMalformedData, s)
	}
	return st, nil
}

// IsProblematic reports whether the job ended abnormally.
func (s JobState) IsProblematic() bool {
	return s == JobFailed || s == JobTimeout || s == JobOutOfMemory
}

type Jobs []JobRecord

// JobRecord is the normalized view of one accounting entry.
type JobRecord struct {
	ID        string     `json:"job_id" yaml:"job_id"`
	Name      string     `json:"name" yaml:"name"`
	User      string     `json:"user" yaml:"user"`
	Account   string     `json:"account" yaml:"account"`
	QoS       string     `json:"qos" yaml:"qos"`
	Partition string     `json:"partition" yaml:"partition"`
	GPUs      int        `json:"gpus" yaml:"gpus"`
	Start     *time.Time `json:"start,omitempty" yaml:"start,omitempty"` // nil while pending
	End       *time.Time `json:"end,omitempty" yaml:"end,omitempty"`     // nil while running
	Submit    time.Time  `json:"submit" yaml:"submit"`
	State     JobState   `json:"state" yaml:"state"`

	CPUs         int           `json:"cpus" yaml:"cpus"`
	ReqMemBytes  int64         `json:"req_mem_bytes" yaml:"req_mem_bytes"`
	CPUTime      time.Duration `json:"cpu_time" yaml:"cpu_time"`
	PeakMemBytes int64         `json:"peak_mem_bytes" yaml:"peak_mem_bytes"`
}

// IsActive reports whether the job currently holds an allocation.
func (j JobRecord) IsActive() bool { return j.State == JobRunning && j.Start != nil }

// Elapsed returns the wall time the job ran, with still-running jobs
// measured up to asOf.
func (j JobRecord) Elapsed(asOf time.Time) time.Duration {
	if j.Start == nil {
		return 0
	}
	end := asOf
	if j.End != nil {
		end = *j.End
	}
	if end.Before(*j.Start) {
		return 0
	}
	return end.Sub(*j.Start)
}

// Wait returns the queue wait (submit to start); ok is false for jobs that
// never started.
func (j JobRecord) Wait() (time.Duration, bool) {
	if j.Start == nil {
		return 0, false
	}
	return j.Start.Sub(j.Submit), true
}

// Validate checks the record invariants.
func (j JobRecord) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: job without id", ErrMalformedData)
	case j.GPUs < 0:
		return fmt.Errorf("%w: job %s has negative gpu count %d", ErrMalformedData, j.ID, j.GPUs)
	case j.Start != nil && j.End != nil && j.End.Before(*j.Start):
		return fmt.Errorf("%w: job %s ends before it starts", ErrMalformedData, j.ID)
	case j.Start != nil && !j.Submit.IsZero() && j.Start.Before(j.Submit):
		return fmt.Errorf("%w: job %s starts before submission", ErrMalformedData, j.ID)
	}
	return nil
}

// ByUser groups jobs by owner, preserving input order within each user.
func (js Jobs) ByUser() map[string]Jobs {
	out := make(map[string]Jobs)
	for _, j := range js {
		out[j.User] = append(out[j.User], j)
	}
	return out
}

// JobFilter narrows a job record fetch. Empty fields do not filter.
type JobFilter struct {
	User      string
	QoS       string
	Account   string
	Partition string
	Start     time.Time
	End       time.Time
}
