// Package spec defines the resource limits and output policy applied to one execution.
package spec

import "time"

// ResourceLimit describes hard limits enforced by the sandbox.
// A zero field means "use the configured default" when clamped.
type ResourceLimit struct {
	WallTimeMs  int64 `json:"wall_time_ms" yaml:"wallTimeMs"`
	CPUTimeMs   int64 `json:"cpu_time_ms" yaml:"cpuTimeMs"`
	MemoryMB    int64 `json:"memory_mb" yaml:"memoryMB"`
	StackMB     int64 `json:"stack_mb" yaml:"stackMB"`
	OutputBytes int64 `json:"output_bytes" yaml:"outputBytes"`
	FileSizeMB  int64 `json:"file_size_mb" yaml:"fileSizeMB"`
	PIDs        int64 `json:"pids" yaml:"pids"`
	OpenFiles   int64 `json:"open_files" yaml:"openFiles"`
}

// WallTime returns the wall clock limit as a duration.
func (l ResourceLimit) WallTime() time.Duration {
	return time.Duration(l.WallTimeMs) * time.Millisecond
}

// MemoryBytes returns the memory ceiling in bytes.
func (l ResourceLimit) MemoryBytes() int64 {
	return l.MemoryMB * 1024 * 1024
}

// Clamp fills unset fields from ceiling and lowers fields that exceed it.
// Requests can tighten the configured limits but never raise them.
func (l ResourceLimit) Clamp(ceiling ResourceLimit) ResourceLimit {
	return ResourceLimit{
		WallTimeMs:  clampField(l.WallTimeMs, ceiling.WallTimeMs),
		CPUTimeMs:   clampField(l.CPUTimeMs, ceiling.CPUTimeMs),
		MemoryMB:    clampField(l.MemoryMB, ceiling.MemoryMB),
		StackMB:     clampField(l.StackMB, ceiling.StackMB),
		OutputBytes: clampField(l.OutputBytes, ceiling.OutputBytes),
		FileSizeMB:  clampField(l.FileSizeMB, ceiling.FileSizeMB),
		PIDs:        clampField(l.PIDs, ceiling.PIDs),
		OpenFiles:   clampField(l.OpenFiles, ceiling.OpenFiles),
	}
}

func clampField(value, ceiling int64) int64 {
	if value <= 0 {
		return ceiling
	}
	if ceiling > 0 && value > ceiling {
		return ceiling
	}
	return value
}

// OutputMode selects what happens when captured output reaches its limit.
type OutputMode string

const (
	// OutputTruncate discards excess bytes and sets the truncation flag.
	OutputTruncate OutputMode = "truncate"
	// OutputKill terminates the process and reports Killed.
	OutputKill OutputMode = "kill"
)

// OutputScope selects how the output limit is counted.
type OutputScope string

const (
	// ScopeCombined counts stdout and stderr against one shared budget.
	ScopeCombined OutputScope = "combined"
	// ScopeSeparate gives stdout and stderr the full budget each.
	ScopeSeparate OutputScope = "separate"
)

// OutputPolicy is the explicit output-limit policy of a deployment.
type OutputPolicy struct {
	Mode  OutputMode  `json:"mode" yaml:"mode"`
	Scope OutputScope `json:"scope" yaml:"scope"`
}

// Normalize fills empty fields with truncate/combined.
func (p OutputPolicy) Normalize() OutputPolicy {
	if p.Mode == "" {
		p.Mode = OutputTruncate
	}
	if p.Scope == "" {
		p.Scope = ScopeCombined
	}
	return p
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"read_only" yaml:"readOnly"`
}
