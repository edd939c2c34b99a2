// Package limiter translates configured numeric limits into the OS-level
// constraints applied to one execution, and maps observed usage back to
// the limit that ended it.
package limiter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"fuzexec/internal/sandbox/spec"
)

const (
	cpuPeriodUs        = 100000
	defaultStackMB     = 64
	defaultFileSizeMB  = 16
	defaultOpenFiles   = 256
	cpuSlackSeconds    = 1
	unlimitedCgroupVal = "max"
)

// Violation names the limit that caused an enforcement termination.
type Violation string

const (
	None   Violation = ""
	Time   Violation = "time_limit"
	Memory Violation = "memory_limit"
	Output Violation = "output_limit"
	CPU    Violation = "cpu_limit"
)

// ErrCgroupRequired is returned when a memory or process limit is requested
// without cgroup enforcement. RLIMIT_AS failures surface as ordinary
// allocation errors and RLIMIT_NPROC counts every task of the host uid, so
// neither can stand in for the cgroup controllers.
var ErrCgroupRequired = errors.New("memory and process limits require cgroup enforcement")

// Options controls how limits are expressed on the host.
type Options struct {
	// CgroupEnabled selects cgroup v2 enforcement for memory and pids.
	// Without it only limits that need no cgroup can be translated.
	CgroupEnabled bool
	// CPUQuota caps cpu.max as a fraction of one CPU. Zero means unlimited.
	CPUQuota float64
}

// CgroupSettings holds the cgroup v2 control file values.
type CgroupSettings struct {
	MemoryMax     string
	MemorySwapMax string
	PidsMax       string
	CPUMax        string
}

// Rlimit is one setrlimit call performed by the sandbox helper.
type Rlimit struct {
	Resource string `json:"resource"`
	Soft     uint64 `json:"soft"`
	Hard     uint64 `json:"hard"`
}

// Rlimit resource names understood by the sandbox helper.
const (
	RlimitCPU    = "cpu"
	RlimitFsize  = "fsize"
	RlimitStack  = "stack"
	RlimitNofile = "nofile"
)

// OutputBudget is the capture policy for stdout and stderr.
type OutputBudget struct {
	Limit int64
	Mode  spec.OutputMode
	Scope spec.OutputScope
}

// Constraints is the enforceable form of a ResourceLimit.
type Constraints struct {
	WallTime time.Duration
	// CPUTime is the RLIMIT_CPU soft limit.
	CPUTime     time.Duration
	MemoryBytes int64
	Cgroup      *CgroupSettings
	Rlimits     []Rlimit
	Output      OutputBudget
}

// Observation is what the boundary and executor saw after the process exited.
type Observation struct {
	TimedOut        bool
	OutputOverflow  bool
	OOMKills        int64
	PeakMemoryBytes int64
	Signaled        bool
	// CPUSignal reports death by SIGXCPU.
	CPUSignal bool
	CPUTime   time.Duration
}

// Translate validates limits and converts them into Constraints.
func Translate(limits spec.ResourceLimit, policy spec.OutputPolicy, opts Options) (Constraints, error) {
	if err := validate(limits); err != nil {
		return Constraints{}, err
	}
	policy = policy.Normalize()
	if policy.Mode != spec.OutputTruncate && policy.Mode != spec.OutputKill {
		return Constraints{}, fmt.Errorf("unknown output mode %q", policy.Mode)
	}
	if policy.Scope != spec.ScopeCombined && policy.Scope != spec.ScopeSeparate {
		return Constraints{}, fmt.Errorf("unknown output scope %q", policy.Scope)
	}

	c := Constraints{
		WallTime:    limits.WallTime(),
		MemoryBytes: limits.MemoryBytes(),
		Output: OutputBudget{
			Limit: limits.OutputBytes,
			Mode:  policy.Mode,
			Scope: policy.Scope,
		},
	}

	cpuMs := limits.CPUTimeMs
	if cpuMs <= 0 {
		cpuMs = limits.WallTimeMs
	}
	cpuSeconds := uint64((cpuMs+999)/1000) + cpuSlackSeconds
	// The soft limit delivers SIGXCPU, the hard limit one second later SIGKILL.
	c.Rlimits = append(c.Rlimits, Rlimit{Resource: RlimitCPU, Soft: cpuSeconds, Hard: cpuSeconds + 1})
	c.CPUTime = time.Duration(cpuSeconds) * time.Second
	c.Rlimits = append(c.Rlimits, Rlimit{Resource: RlimitFsize, Soft: mb(orDefault(limits.FileSizeMB, defaultFileSizeMB)), Hard: mb(orDefault(limits.FileSizeMB, defaultFileSizeMB))})
	c.Rlimits = append(c.Rlimits, Rlimit{Resource: RlimitStack, Soft: mb(orDefault(limits.StackMB, defaultStackMB)), Hard: mb(orDefault(limits.StackMB, defaultStackMB))})
	nofile := uint64(orDefault(limits.OpenFiles, defaultOpenFiles))
	c.Rlimits = append(c.Rlimits, Rlimit{Resource: RlimitNofile, Soft: nofile, Hard: nofile})

	if opts.CgroupEnabled {
		settings := &CgroupSettings{
			MemoryMax:     unlimitedCgroupVal,
			MemorySwapMax: "0",
			PidsMax:       unlimitedCgroupVal,
			CPUMax:        fmt.Sprintf("%s %d", unlimitedCgroupVal, cpuPeriodUs),
		}
		if limits.MemoryMB > 0 {
			settings.MemoryMax = strconv.FormatInt(limits.MemoryBytes(), 10)
		}
		if limits.PIDs > 0 {
			settings.PidsMax = strconv.FormatInt(limits.PIDs, 10)
		}
		if opts.CPUQuota > 0 {
			settings.CPUMax = fmt.Sprintf("%d %d", int64(opts.CPUQuota*cpuPeriodUs), cpuPeriodUs)
		}
		c.Cgroup = settings
		return c, nil
	}

	if limits.MemoryMB > 0 || limits.PIDs > 0 {
		return Constraints{}, ErrCgroupRequired
	}
	return c, nil
}

// Classify maps an observation to the violated limit, or None.
// An OOM kill wins over a concurrent timeout because it is what ended the process.
func (c Constraints) Classify(obs Observation) Violation {
	switch {
	case obs.OOMKills > 0:
		return Memory
	case obs.TimedOut:
		return Time
	case obs.OutputOverflow && c.Output.Mode == spec.OutputKill:
		return Output
	case obs.Signaled && c.MemoryBytes > 0 && obs.PeakMemoryBytes >= c.MemoryBytes:
		return Memory
	case obs.CPUSignal, obs.Signaled && c.CPUTime > 0 && obs.CPUTime >= c.CPUTime:
		return CPU
	default:
		return None
	}
}

func validate(limits spec.ResourceLimit) error {
	if limits.WallTimeMs <= 0 {
		return fmt.Errorf("wall time limit must be positive")
	}
	if limits.OutputBytes <= 0 {
		return fmt.Errorf("output limit must be positive")
	}
	fields := map[string]int64{
		"cpu time":   limits.CPUTimeMs,
		"memory":     limits.MemoryMB,
		"stack":      limits.StackMB,
		"file size":  limits.FileSizeMB,
		"pids":       limits.PIDs,
		"open files": limits.OpenFiles,
	}
	for name, value := range fields {
		if value < 0 {
			return fmt.Errorf("%s limit must not be negative", name)
		}
	}
	return nil
}

func orDefault(value, def int64) int64 {
	if value > 0 {
		return value
	}
	return def
}

func mb(value int64) uint64 {
	return uint64(value) * 1024 * 1024
}
