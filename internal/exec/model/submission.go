// Package model holds the submission lifecycle types shared by the
// scheduler, the executor and the persistence layer.
package model

import (
	"time"

	"fuzexec/internal/sandbox/spec"
)

// State is the lifecycle state of a submission.
type State string

const (
	StateQueued    State = "Queued"
	StateAssigned  State = "Assigned"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateTimedOut  State = "TimedOut"
	StateKilled    State = "Killed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateKilled, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Diagnostic reasons carried by non-Completed results.
const (
	ReasonTimeLimit      = "time_limit"
	ReasonCPULimit       = "cpu_limit"
	ReasonMemoryLimit    = "memory_limit"
	ReasonOutputLimit    = "output_limit"
	ReasonIsolationSetup = "isolation_setup"
	ReasonZombieProcess  = "zombie_process"
	ReasonExecutorFault  = "executor_fault"
	ReasonQueueTimeout   = "queue_timeout"
	ReasonCancelled      = "cancelled"
	ReasonShutdown       = "shutdown"
)

// Submission is one admitted execution request. Limits is a copy taken at
// admission.
type Submission struct {
	ID        string             `json:"id"`
	Language  string             `json:"language"`
	Source    []byte             `json:"-"`
	Stdin     []byte             `json:"-"`
	Identity  string             `json:"identity"`
	CreatedAt time.Time          `json:"created_at"`
	Limits    spec.ResourceLimit `json:"limits"`
}

// Result is the terminal outcome of a submission.
type Result struct {
	State           State     `json:"state"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	ExitCode        int       `json:"exit_code"`
	Signal          string    `json:"signal,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	Truncated       bool      `json:"truncated"`
	StdoutTruncated bool      `json:"stdout_truncated"`
	StderrTruncated bool      `json:"stderr_truncated"`
	PeakMemoryKB    int64     `json:"peak_memory_kb"`
	Reason          string    `json:"reason,omitempty"`
	Message         string    `json:"message,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// FailedResult builds a result for an outcome that never ran user code to
// completion.
func FailedResult(state State, reason, message string) Result {
	return Result{
		State:      state,
		ExitCode:   -1,
		Reason:     reason,
		Message:    message,
		FinishedAt: time.Now(),
	}
}

// Snapshot is the externally visible view of a submission.
type Snapshot struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Identity  string    `json:"identity,omitempty"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Result    *Result   `json:"result,omitempty"`
}
