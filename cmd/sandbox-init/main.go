//go:build linux

// Command sandbox-init runs as the first process inside the sandbox. It
// reads its setup request from fd 3, builds the private filesystem, drops
// privileges and execs the user program. Setup failures are written to
// fd 4, which the exec closes on success.
//
// Inside a pid namespace the helper stays as pid 1: it re-execs itself to
// prepare and run the program as its child, forwards termination signals,
// reaps orphans and reports how the program ended on fd 5.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	requestFD     = 3
	statusFD      = 4
	resultFD      = 5
	setupExitCode = 127
	defaultPath   = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

	// programArg selects the second stage, started by the supervising init.
	programArg = "program"
)

func main() {
	status := os.NewFile(statusFD, "status")
	unix.CloseOnExec(statusFD)
	unix.CloseOnExec(resultFD)

	var err error
	if len(os.Args) > 1 && os.Args[1] == programArg {
		err = runProgram()
	} else {
		err = run(status)
	}
	if err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
			_ = status.Close()
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(setupExitCode)
	}
}

func run(status *os.File) error {
	req, err := readRequest()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if !req.EnableNs {
		if req.RootFS != "" || len(req.Mounts) > 0 {
			return errors.New("namespaces disabled with rootfs or bind mounts")
		}
		return execProgram(req)
	}

	if err := buildFilesystem(req); err != nil {
		return err
	}
	if req.Hostname != "" {
		if err := unix.Sethostname([]byte(req.Hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}
	return supervise(req, status)
}

// runProgram is the second stage inside a namespace. The filesystem is
// already in place.
func runProgram() error {
	req, err := readRequest()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	return execProgram(req)
}

// execProgram applies the per-process restrictions and replaces the
// current process with the user program.
func execProgram(req initRequest) error {
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Rlimits); err != nil {
		return err
	}
	if err := dropCapabilities(req.EnableNs); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	env := req.Env
	if len(env) == 0 {
		env = []string{defaultPath}
	}
	if err := resetEnv(env); err != nil {
		return err
	}
	cmdPath, err := exec.LookPath(req.Args[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if req.EnableSeccomp && req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	if err := unix.Exec(cmdPath, req.Args, env); err != nil {
		return fmt.Errorf("exec %s: %w", req.Args[0], err)
	}
	return nil
}

func readRequest() (initRequest, error) {
	f := os.NewFile(requestFD, "request")
	if f == nil {
		return initRequest{}, errors.New("request pipe is missing")
	}
	defer f.Close()
	var req initRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Args) == 0 || req.Args[0] == "" {
		return errors.New("command is required")
	}
	if req.WorkDir == "" {
		return errors.New("work dir is required")
	}
	return nil
}

func resetEnv(env []string) error {
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	return nil
}

var rlimitResources = map[string]int{
	"cpu":    unix.RLIMIT_CPU,
	"fsize":  unix.RLIMIT_FSIZE,
	"stack":  unix.RLIMIT_STACK,
	"nofile": unix.RLIMIT_NOFILE,
}

func applyRlimits(limits []rlimit) error {
	for _, l := range limits {
		resource, ok := rlimitResources[l.Resource]
		if !ok {
			return fmt.Errorf("unknown rlimit %q", l.Resource)
		}
		hard := l.Hard
		if hard < l.Soft {
			hard = l.Soft
		}
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: l.Soft, Max: hard}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.Resource, err)
		}
	}
	return nil
}

// dropCapabilities empties the bounding, ambient and effective sets. Outside
// a user namespace the helper usually holds no capabilities, so EPERM from
// the bounding set is expected there.
func dropCapabilities(inNamespace bool) error {
	for c := 0; ; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		if errors.Is(err, unix.EINVAL) {
			break
		}
		if err != nil {
			if errors.Is(err, unix.EPERM) && !inNamespace {
				break
			}
			return fmt.Errorf("drop bounding capability %d: %w", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clear ambient capabilities: %w", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	return nil
}

type initRequest struct {
	Args           []string    `json:"args"`
	Env            []string    `json:"env"`
	WorkDir        string      `json:"work_dir"`
	Workspace      string      `json:"workspace"`
	RootFS         string      `json:"rootfs"`
	Mounts         []mountSpec `json:"mounts"`
	Rlimits        []rlimit    `json:"rlimits"`
	SeccompProfile string      `json:"seccomp_profile"`
	EnableSeccomp  bool        `json:"enable_seccomp"`
	EnableNs       bool        `json:"enable_ns"`
	Hostname       string      `json:"hostname"`
	TmpfsSizeMB    int64       `json:"tmpfs_size_mb"`
}

type mountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

type rlimit struct {
	Resource string `json:"resource"`
	Soft     uint64 `json:"soft"`
	Hard     uint64 `json:"hard"`
}
