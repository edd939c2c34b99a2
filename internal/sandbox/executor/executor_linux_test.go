//go:build linux

package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/sandbox/isolation"
	"fuzexec/internal/sandbox/spec"
)

// shellBoundary runs programs as plain process groups in a temp dir. It
// gives no isolation and exists to drive the executor with real processes.
type shellBoundary struct {
	root string
}

func (b *shellBoundary) Create(ctx context.Context, req isolation.Request) (isolation.Handle, error) {
	dir, err := os.MkdirTemp(b.root, "run-")
	if err != nil {
		return nil, err
	}
	return &shellHandle{dir: dir}, nil
}

func (b *shellBoundary) Capabilities() isolation.Capabilities {
	return isolation.Capabilities{GroupTeardown: true}
}

type shellHandle struct {
	dir  string
	proc *shellProcess
}

func (h *shellHandle) Path(name string) string { return filepath.Join(h.dir, name) }

func (h *shellHandle) WriteFile(name string, data []byte) error {
	return os.WriteFile(h.Path(name), data, 0644)
}

func (h *shellHandle) Launch(ctx context.Context, ls isolation.LaunchSpec) (isolation.Process, error) {
	cmd := exec.Command(ls.Args[0], ls.Args[1:]...)
	cmd.Dir = h.dir
	cmd.Stdin = ls.Stdin
	cmd.Stdout = ls.Stdout
	cmd.Stderr = ls.Stderr
	cmd.WaitDelay = time.Second
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h.proc = &shellProcess{cmd: cmd}
	return h.proc, nil
}

func (h *shellHandle) Usage() isolation.Usage { return isolation.Usage{} }

func (h *shellHandle) Teardown(ctx context.Context) error {
	if h.proc != nil {
		_ = h.proc.Signal(isolation.SignalKill)
	}
	return os.RemoveAll(h.dir)
}

type shellProcess struct {
	cmd    *exec.Cmd
	once   sync.Once
	status isolation.ExitStatus
}

func (p *shellProcess) Pid() int { return p.cmd.Process.Pid }

func (p *shellProcess) Wait() (isolation.ExitStatus, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.status.ExitCode = p.cmd.ProcessState.ExitCode()
		if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.status.Signaled = true
			p.status.Signal = ws.Signal().String()
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			p.status.ExitCode = -1
		}
	})
	return p.status, nil
}

func (p *shellProcess) Signal(sig isolation.Signal) error {
	osSig := syscall.SIGTERM
	if sig == isolation.SignalKill {
		osSig = syscall.SIGKILL
	}
	err := syscall.Kill(-p.cmd.Process.Pid, osSig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func shellSubmission(source, stdin string, wallMs, outputBytes int64) model.Submission {
	return model.Submission{
		ID:       "shell",
		Language: "sh",
		Source:   []byte(source),
		Stdin:    []byte(stdin),
		Limits:   spec.ResourceLimit{WallTimeMs: wallMs, OutputBytes: outputBytes},
	}
}

func TestShellExecutionCapturesOutput(t *testing.T) {
	runner := newTestExecutor(t, &shellBoundary{root: t.TempDir()}, spec.OutputPolicy{Scope: spec.ScopeSeparate})
	src := "read name; echo \"hello $name\"; echo oops >&2; exit 2"

	res, quarantine := runner.Execute(context.Background(), shellSubmission(src, "gopher\n", 5000, 1024), 0, nil)
	if quarantine {
		t.Fatalf("unexpected quarantine")
	}
	if res.State != model.StateCompleted || res.ExitCode != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Stdout != "hello gopher\n" || res.Stderr != "oops\n" || res.Truncated {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestShellInfiniteLoopTimesOut(t *testing.T) {
	runner := newTestExecutor(t, &shellBoundary{root: t.TempDir()}, spec.OutputPolicy{})
	src := "while :; do :; done"

	start := time.Now()
	res, _ := runner.Execute(context.Background(), shellSubmission(src, "", 200, 1024), 0, nil)
	elapsed := time.Since(start)
	if res.State != model.StateTimedOut || res.Reason != model.ReasonTimeLimit {
		t.Fatalf("unexpected result %+v", res)
	}
	// Time limit plus grace window, with slack for a loaded machine.
	if elapsed > 200*time.Millisecond+100*time.Millisecond+2*time.Second {
		t.Fatalf("timeout observed after %v", elapsed)
	}
}

func TestShellTimeoutKillsDescendants(t *testing.T) {
	root := t.TempDir()
	runner := newTestExecutor(t, &shellBoundary{root: root}, spec.OutputPolicy{})
	marker := filepath.Join(root, "child.pid")
	src := "sleep 30 & echo $! > " + marker + "; wait"

	res, _ := runner.Execute(context.Background(), shellSubmission(src, "", 200, 1024), 0, nil)
	if res.State != model.StateTimedOut {
		t.Fatalf("unexpected result %+v", res)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse child pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if !processAlive(pid) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d survived group termination", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShellFloodIsTruncated(t *testing.T) {
	runner := newTestExecutor(t, &shellBoundary{root: t.TempDir()}, spec.OutputPolicy{Mode: spec.OutputTruncate})
	src := "i=0; while [ $i -lt 20000 ]; do echo xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx; i=$((i+1)); done"

	res, _ := runner.Execute(context.Background(), shellSubmission(src, "", 10000, 4096), 0, nil)
	if res.State != model.StateCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Stdout) != 4096 || !res.Truncated {
		t.Fatalf("expected 4096 truncated bytes, got %d truncated=%v", len(res.Stdout), res.Truncated)
	}
}

// processAlive treats an unreaped zombie as dead.
func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	stat := string(data)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return false
	}
	return stat[idx+2] != 'Z'
}
