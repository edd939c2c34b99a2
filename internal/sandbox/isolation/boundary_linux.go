//go:build linux

package isolation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	statusReadLimit    = 4096
	defaultReapTimeout = 2 * time.Second
	helperWaitDelay    = time.Second
	reportReadTimeout  = 200 * time.Millisecond
	defaultSandboxPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

type linuxBoundary struct {
	cfg        Config
	helperPath string
}

// NewBoundary creates the Linux boundary. It refuses configurations that
// cannot provide the isolation they ask for.
func NewBoundary(cfg Config) (Boundary, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	helperPath, err := exec.LookPath(cfg.HelperPath)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox helper: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0700); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	if cfg.EnableCgroup {
		if err := prepareCgroupRoot(cfg.CgroupRoot); err != nil {
			return nil, fmt.Errorf("prepare cgroup root: %w", err)
		}
	}
	return &linuxBoundary{cfg: cfg, helperPath: helperPath}, nil
}

func (b *linuxBoundary) Capabilities() Capabilities {
	return b.cfg.Capabilities()
}

func (b *linuxBoundary) Create(ctx context.Context, req Request) (Handle, error) {
	if err := b.checkRequest(req); err != nil {
		return nil, &SetupError{Stage: "validate", Err: err}
	}

	seccompPath := req.Runtime.SeccompProfile
	if seccompPath != "" && b.cfg.SeccompDir != "" && !filepath.IsAbs(seccompPath) {
		seccompPath = filepath.Join(b.cfg.SeccompDir, seccompPath)
	}
	if b.cfg.EnableSeccomp && seccompPath != "" {
		if _, err := os.Stat(seccompPath); err != nil {
			return nil, &SetupError{Stage: "seccomp", Err: err}
		}
	}

	workspace, err := os.MkdirTemp(b.cfg.WorkRoot, safeName(req.SubmissionID)+"-")
	if err != nil {
		return nil, &SetupError{Stage: "workspace", Err: err}
	}

	h := &linuxHandle{
		cfg:         b.cfg,
		helperPath:  b.helperPath,
		runtime:     req.Runtime,
		constraints: req.Constraints,
		seccompPath: seccompPath,
		workspace:   workspace,
	}

	if b.cfg.EnableCgroup {
		cgroupPath, err := createRunCgroup(b.cfg.CgroupRoot, safeName(req.SubmissionID))
		if err != nil {
			_ = os.RemoveAll(workspace)
			return nil, &SetupError{Stage: "cgroup", Err: err}
		}
		h.cgroupPath = cgroupPath
		if err := applyCgroupSettings(cgroupPath, *req.Constraints.Cgroup); err != nil {
			_ = h.Teardown(ctx)
			return nil, &SetupError{Stage: "cgroup", Err: err}
		}
	}
	return h, nil
}

func (b *linuxBoundary) checkRequest(req Request) error {
	if req.SubmissionID == "" {
		return errors.New("submission id is required")
	}
	rt := req.Runtime
	if !b.cfg.EnableNamespaces && (rt.RootFS != "" || len(rt.Mounts) > 0) {
		return errors.New("namespaces disabled with rootfs or bind mounts")
	}
	if b.cfg.EnableCgroup && req.Constraints.Cgroup == nil {
		return errors.New("constraints carry no cgroup settings")
	}
	if b.cfg.Strict {
		if rt.RootFS == "" {
			return fmt.Errorf("runtime %s has no rootfs", rt.Language)
		}
		if rt.AllowNetwork {
			return fmt.Errorf("runtime %s requests network access", rt.Language)
		}
		if rt.SeccompProfile == "" {
			return fmt.Errorf("runtime %s has no seccomp profile", rt.Language)
		}
	}
	return nil
}

type linuxHandle struct {
	cfg         Config
	helperPath  string
	runtime     profile.Runtime
	constraints limiter.Constraints
	seccompPath string
	workspace   string
	cgroupPath  string

	mu   sync.Mutex
	proc *linuxProcess
	torn bool
}

func (h *linuxHandle) sandboxDir() string {
	if h.cfg.EnableNamespaces && h.runtime.RootFS != "" {
		return h.cfg.SandboxDir
	}
	return h.workspace
}

func (h *linuxHandle) Path(name string) string {
	return filepath.Join(h.sandboxDir(), name)
}

func (h *linuxHandle) WriteFile(name string, data []byte) error {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("invalid workspace file name %q", name)
	}
	return os.WriteFile(filepath.Join(h.workspace, name), data, 0644)
}

func (h *linuxHandle) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, &SetupError{Stage: "launch", Err: errors.New("command is required")}
	}
	h.mu.Lock()
	if h.torn || h.proc != nil {
		h.mu.Unlock()
		return nil, &SetupError{Stage: "launch", Err: errors.New("boundary already used")}
	}
	h.mu.Unlock()

	env := spec.Env
	if len(env) == 0 {
		env = []string{"PATH=" + defaultSandboxPath}
	}
	initReq := initRequest{
		Args:           spec.Args,
		Env:            env,
		WorkDir:        h.sandboxDir(),
		Workspace:      h.workspace,
		RootFS:         h.runtime.RootFS,
		Mounts:         h.runtime.Mounts,
		Rlimits:        h.constraints.Rlimits,
		SeccompProfile: h.seccompPath,
		EnableSeccomp:  h.cfg.EnableSeccomp,
		EnableNs:       h.cfg.EnableNamespaces,
		Hostname:       defaultHostname,
		TmpfsSizeMB:    h.cfg.TmpfsSizeMB,
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, &SetupError{Stage: "launch", Err: err}
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return nil, &SetupError{Stage: "launch", Err: err}
	}
	defer statusR.Close()
	resultR, resultW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		_ = statusW.Close()
		return nil, &SetupError{Stage: "launch", Err: err}
	}

	cmd := exec.Command(h.helperPath)
	cmd.Env = []string{}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{reqR, statusW, resultW}
	cmd.WaitDelay = helperWaitDelay
	cmd.SysProcAttr = buildSysProcAttr(h.runtime, h.cfg.EnableNamespaces)

	var cgroupDir *os.File
	if h.cgroupPath != "" {
		cgroupDir, err = os.Open(h.cgroupPath)
		if err != nil {
			_ = reqR.Close()
			_ = reqW.Close()
			_ = statusW.Close()
			_ = resultR.Close()
			_ = resultW.Close()
			return nil, &SetupError{Stage: "cgroup", Err: err}
		}
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cgroupDir.Fd())
	}

	startErr := cmd.Start()
	_ = reqR.Close()
	_ = statusW.Close()
	_ = resultW.Close()
	if cgroupDir != nil {
		_ = cgroupDir.Close()
	}
	if startErr != nil {
		_ = reqW.Close()
		_ = resultR.Close()
		return nil, &SetupError{Stage: "start helper", Err: startErr}
	}

	proc := &linuxProcess{cmd: cmd, cgroupPath: h.cgroupPath, result: resultR, done: make(chan struct{})}
	h.mu.Lock()
	h.proc = proc
	h.mu.Unlock()

	encErr := json.NewEncoder(reqW).Encode(initReq)
	_ = reqW.Close()

	msg, readErr := readSetupStatus(ctx, statusR, h.cfg.SetupTimeout)
	if encErr != nil || readErr != nil || msg != "" {
		_ = proc.Signal(SignalKill)
		go proc.Wait()
		cause := msg
		switch {
		case cause != "":
		case readErr != nil:
			cause = readErr.Error()
		default:
			cause = encErr.Error()
		}
		return nil, &SetupError{Stage: "helper", Err: errors.New(cause)}
	}
	return proc, nil
}

// readSetupStatus blocks until the helper execs the program (EOF on the
// close-on-exec status pipe) or reports a setup failure.
func readSetupStatus(ctx context.Context, r *os.File, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(r, statusReadLimit))
	if err != nil {
		return "", fmt.Errorf("wait for sandbox helper: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *linuxHandle) Usage() Usage {
	var usage Usage
	if h.cgroupPath != "" {
		usage.PeakMemoryBytes = memoryPeakBytes(h.cgroupPath)
		usage.OOMKills = oomKillCount(h.cgroupPath)
	}
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if usage.PeakMemoryBytes == 0 && proc != nil && proc.exited() {
		if ru, ok := proc.cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			usage.PeakMemoryBytes = int64(ru.Maxrss) * 1024
		}
	}
	return usage
}

func (h *linuxHandle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	if h.torn {
		h.mu.Unlock()
		return nil
	}
	h.torn = true
	proc := h.proc
	h.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultReapTimeout)
		defer cancel()
	}

	var errs []error
	if proc != nil && !proc.exited() {
		_ = proc.Signal(SignalKill)
		go proc.Wait()
		select {
		case <-proc.done:
		case <-ctx.Done():
			errs = append(errs, ErrProcessesRemain)
		}
	}
	if h.cgroupPath != "" {
		if err := drainCgroup(ctx, h.cgroupPath); err != nil {
			errs = append(errs, err)
		} else if err := os.Remove(h.cgroupPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove cgroup: %w", err))
		}
	}
	if err := os.RemoveAll(h.workspace); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	if len(errs) > 0 {
		logger.Warn(ctx, "sandbox teardown incomplete", zap.String("workspace", h.workspace), zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

type linuxProcess struct {
	cmd        *exec.Cmd
	cgroupPath string
	result     *os.File

	once   sync.Once
	status ExitStatus
	err    error
	done   chan struct{}
}

func (p *linuxProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *linuxProcess) Wait() (ExitStatus, error) {
	p.once.Do(func() {
		waitErr := p.cmd.Wait()
		p.status, p.err = exitStatus(p.cmd.ProcessState, waitErr)
		if report, ok := readProgramReport(p.result); ok && !p.status.Signaled {
			p.status = applyReport(p.status, report)
		}
		close(p.done)
	})
	return p.status, p.err
}

func (p *linuxProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *linuxProcess) Signal(sig Signal) error {
	if p.exited() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	osSig := syscall.SIGTERM
	if sig == SignalKill {
		osSig = syscall.SIGKILL
	}
	err := syscall.Kill(-pid, osSig)
	if errors.Is(err, syscall.ESRCH) {
		err = nil
	}
	if sig == SignalKill && p.cgroupPath != "" {
		if kerr := killCgroup(p.cgroupPath); kerr != nil && err == nil {
			err = kerr
		}
	}
	return err
}

func exitStatus(state *os.ProcessState, waitErr error) (ExitStatus, error) {
	if state == nil {
		return ExitStatus{ExitCode: -1}, waitErr
	}
	status := ExitStatus{
		ExitCode: state.ExitCode(),
		CPUTime:  state.UserTime() + state.SystemTime(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signaled = true
		status.Signal = ws.Signal().String()
		status.CPUExceeded = ws.Signal() == syscall.SIGXCPU
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return status, waitErr
	}
	return status, nil
}

// readProgramReport reads the report left by the supervising helper. The
// helper is gone once Wait returns, so the pipe is at EOF.
func readProgramReport(r *os.File) (programReport, bool) {
	if r == nil {
		return programReport{}, false
	}
	defer r.Close()
	_ = r.SetReadDeadline(time.Now().Add(reportReadTimeout))
	data, err := io.ReadAll(io.LimitReader(r, statusReadLimit))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return programReport{}, false
	}
	var report programReport
	if err := json.Unmarshal(data, &report); err != nil {
		return programReport{}, false
	}
	return report, true
}

// applyReport replaces the helper's own exit with the program's.
func applyReport(status ExitStatus, report programReport) ExitStatus {
	if report.Signal > 0 {
		sig := syscall.Signal(report.Signal)
		status.ExitCode = -1
		status.Signaled = true
		status.Signal = sig.String()
		status.CPUExceeded = sig == syscall.SIGXCPU
		return status
	}
	status.ExitCode = report.ExitCode
	return status
}

func buildSysProcAttr(rt profile.Runtime, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !rt.AllowNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
