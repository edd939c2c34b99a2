package isolation

import (
	"fmt"
	"time"

	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/spec"
)

const (
	defaultSandboxDir   = "/sandbox"
	defaultSetupTimeout = 10 * time.Second
	defaultTmpfsSizeMB  = 16
	defaultHostname     = "sandbox"
)

// Config controls the Linux boundary.
type Config struct {
	HelperPath       string        `yaml:"helperPath"`
	WorkRoot         string        `yaml:"workRoot"`
	CgroupRoot       string        `yaml:"cgroupRoot"`
	SeccompDir       string        `yaml:"seccompDir"`
	SandboxDir       string        `yaml:"sandboxDir"`
	TmpfsSizeMB      int64         `yaml:"tmpfsSizeMB"`
	SetupTimeout     time.Duration `yaml:"setupTimeout"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableSeccomp    bool          `yaml:"enableSeccomp"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`

	// Strict refuses any configuration or runtime that weakens isolation.
	Strict bool `yaml:"strict"`
}

func (c *Config) applyDefaults() {
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.SandboxDir == "" {
		c.SandboxDir = defaultSandboxDir
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = defaultSetupTimeout
	}
	if c.TmpfsSizeMB <= 0 {
		c.TmpfsSizeMB = defaultTmpfsSizeMB
	}
}

func (c Config) validate() error {
	if c.WorkRoot == "" {
		return fmt.Errorf("work root is required")
	}
	if c.EnableCgroup && c.CgroupRoot == "" {
		return fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if c.Strict {
		if !c.EnableNamespaces {
			return fmt.Errorf("strict isolation requires namespaces")
		}
		if !c.EnableSeccomp {
			return fmt.Errorf("strict isolation requires seccomp")
		}
		if !c.EnableCgroup {
			return fmt.Errorf("strict isolation requires cgroups")
		}
	}
	return nil
}

// Capabilities reports what a boundary built from this config guarantees.
func (c Config) Capabilities() Capabilities {
	return Capabilities{
		PrivateFilesystem: c.EnableNamespaces,
		NetworkIsolated:   c.EnableNamespaces,
		PrivilegesDropped: true,
		SyscallFilter:     c.EnableSeccomp,
		ProcessNamespace:  c.EnableNamespaces,
		GroupTeardown:     true,
	}
}

// programReport is written by the helper when it supervised the program as
// the namespace init.
type programReport struct {
	ExitCode int `json:"exit_code"`
	Signal   int `json:"signal,omitempty"`
}

// initRequest is sent to the sandbox helper over an inherited pipe.
type initRequest struct {
	Args           []string         `json:"args"`
	Env            []string         `json:"env"`
	WorkDir        string           `json:"work_dir"`
	Workspace      string           `json:"workspace"`
	RootFS         string           `json:"rootfs"`
	Mounts         []spec.MountSpec `json:"mounts"`
	Rlimits        []limiter.Rlimit `json:"rlimits"`
	SeccompProfile string           `json:"seccomp_profile"`
	EnableSeccomp  bool             `json:"enable_seccomp"`
	EnableNs       bool             `json:"enable_ns"`
	Hostname       string           `json:"hostname"`
	TmpfsSizeMB    int64            `json:"tmpfs_size_mb"`
}
