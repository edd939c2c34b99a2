// Package isolation builds the per-submission execution context: a private
// filesystem view, separate process and network namespaces, a dropped
// privilege set and a syscall filter, with group-wide teardown.
package isolation

import (
	"context"
	"errors"
	"io"
	"time"

	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
)

// ErrUnsupported is returned by platforms without a sandbox implementation.
var ErrUnsupported = errors.New("sandbox isolation is not supported on this platform")

// SetupError reports that the isolated context could not be built.
// No submitted code has run when it is returned.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return "isolation setup failed at " + e.Stage + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ErrProcessesRemain is returned by Teardown when sandboxed processes
// survived a forced kill.
var ErrProcessesRemain = errors.New("sandboxed processes remain after teardown")

// Capabilities lists the guarantees a boundary provides.
type Capabilities struct {
	PrivateFilesystem bool
	NetworkIsolated   bool
	PrivilegesDropped bool
	SyscallFilter     bool
	ProcessNamespace  bool
	GroupTeardown     bool
}

// Request describes the boundary one submission needs.
type Request struct {
	SubmissionID string
	Runtime      profile.Runtime
	Constraints  limiter.Constraints
}

// LaunchSpec is the process started inside a boundary.
type LaunchSpec struct {
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Signal is a termination request delivered to the whole process group.
type Signal int

const (
	SignalTerminate Signal = iota
	SignalKill
)

// ExitStatus describes how the sandboxed process ended.
type ExitStatus struct {
	ExitCode int
	Signaled bool
	Signal   string
	// CPUExceeded reports death by SIGXCPU from the CPU time rlimit.
	CPUExceeded bool
	CPUTime     time.Duration
}

// Usage is the resource accounting read after the process exited.
type Usage struct {
	PeakMemoryBytes int64
	OOMKills        int64
}

// Process is a running sandboxed program.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It is safe to call more than once.
	Wait() (ExitStatus, error)
	// Signal delivers sig to every process in the boundary.
	Signal(sig Signal) error
}

// Handle is one constructed boundary. Teardown must run on every path.
type Handle interface {
	// Path returns the in-sandbox path of a workspace file.
	Path(name string) string
	WriteFile(name string, data []byte) error
	// Launch starts the program and returns once it runs inside the boundary.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
	Usage() Usage
	Teardown(ctx context.Context) error
}

// Boundary constructs isolated execution contexts.
type Boundary interface {
	Create(ctx context.Context, req Request) (Handle, error)
	Capabilities() Capabilities
}
