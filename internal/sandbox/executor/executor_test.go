package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/sandbox/isolation"
	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/internal/sandbox/spec"
)

type fakeProcess struct {
	mu      sync.Mutex
	signals []isolation.Signal
	exitOn  map[isolation.Signal]bool
	done    chan struct{}
	once    sync.Once
	status  isolation.ExitStatus
}

func newFakeProcess(exitOn ...isolation.Signal) *fakeProcess {
	p := &fakeProcess{exitOn: make(map[isolation.Signal]bool), done: make(chan struct{})}
	for _, sig := range exitOn {
		p.exitOn[sig] = true
	}
	return p
}

func (p *fakeProcess) Pid() int { return 42 }

func (p *fakeProcess) Wait() (isolation.ExitStatus, error) {
	<-p.done
	return p.status, nil
}

func (p *fakeProcess) exit(status isolation.ExitStatus) {
	p.once.Do(func() {
		p.status = status
		close(p.done)
	})
}

func (p *fakeProcess) Signal(sig isolation.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.exitOn[sig] {
		name := "terminated"
		if sig == isolation.SignalKill {
			name = "killed"
		}
		p.exit(isolation.ExitStatus{ExitCode: -1, Signaled: true, Signal: name})
	}
	return nil
}

func (p *fakeProcess) sent() []isolation.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]isolation.Signal(nil), p.signals...)
}

type fakeHandle struct {
	proc        *fakeProcess
	script      func(spec isolation.LaunchSpec, proc *fakeProcess)
	usage       isolation.Usage
	panicLaunch bool
	teardownErr error

	mu       sync.Mutex
	files    map[string][]byte
	args     []string
	tornDown int
}

func (h *fakeHandle) Path(name string) string { return "/sandbox/" + name }

func (h *fakeHandle) WriteFile(name string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.files == nil {
		h.files = make(map[string][]byte)
	}
	h.files[name] = data
	return nil
}

func (h *fakeHandle) Launch(ctx context.Context, ls isolation.LaunchSpec) (isolation.Process, error) {
	if h.panicLaunch {
		panic("launch exploded")
	}
	h.mu.Lock()
	h.args = ls.Args
	h.mu.Unlock()
	if h.script != nil {
		go h.script(ls, h.proc)
	}
	return h.proc, nil
}

func (h *fakeHandle) Usage() isolation.Usage { return h.usage }

func (h *fakeHandle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tornDown++
	return h.teardownErr
}

type fakeBoundary struct {
	handle    *fakeHandle
	createErr error
	created   int
}

func (b *fakeBoundary) Create(ctx context.Context, req isolation.Request) (isolation.Handle, error) {
	b.created++
	if b.createErr != nil {
		return nil, b.createErr
	}
	return b.handle, nil
}

func (b *fakeBoundary) Capabilities() isolation.Capabilities { return isolation.Capabilities{} }

func newTestExecutor(t *testing.T, boundary isolation.Boundary, policy spec.OutputPolicy) *Executor {
	t.Helper()
	runtimes, err := profile.NewLocalRepository([]profile.Runtime{{
		Language:   "sh",
		SourceFile: "main.sh",
		Command:    "/bin/sh {source}",
	}})
	if err != nil {
		t.Fatalf("build runtimes: %v", err)
	}
	cfg := Config{
		Grace:        100 * time.Millisecond,
		Limiter:      limiter.Options{CgroupEnabled: true},
		OutputPolicy: policy,
	}
	ex, err := New(cfg, boundary, runtimes)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return ex
}

func testSubmission(wallMs, outputBytes int64) model.Submission {
	return model.Submission{
		ID:       "sub-1",
		Language: "sh",
		Source:   []byte("echo hi"),
		Limits:   spec.ResourceLimit{WallTimeMs: wallMs, OutputBytes: outputBytes, MemoryMB: 64},
	}
}

func exitWith(code int) func(isolation.LaunchSpec, *fakeProcess) {
	return func(_ isolation.LaunchSpec, proc *fakeProcess) {
		proc.exit(isolation.ExitStatus{ExitCode: code})
	}
}

func TestExecuteNonZeroExitIsCompleted(t *testing.T) {
	handle := &fakeHandle{proc: newFakeProcess(), script: exitWith(3)}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	ready := 0
	res, quarantine := runner.Execute(context.Background(), testSubmission(1000, 64), 0, func() { ready++ })
	if quarantine {
		t.Fatalf("unexpected quarantine")
	}
	if res.State != model.StateCompleted || res.ExitCode != 3 || res.Reason != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if ready != 1 {
		t.Fatalf("expected onReady once, got %d", ready)
	}
	if string(handle.files["main.sh"]) != "echo hi" {
		t.Fatalf("source not written into boundary")
	}
	if len(handle.args) != 2 || handle.args[1] != "/sandbox/main.sh" {
		t.Fatalf("unexpected args %v", handle.args)
	}
	if handle.tornDown != 1 {
		t.Fatalf("expected one teardown, got %d", handle.tornDown)
	}
}

func TestExecuteSetupFailure(t *testing.T) {
	boundary := &fakeBoundary{createErr: &isolation.SetupError{Stage: "cgroup", Err: errors.New("no space")}}
	runner := newTestExecutor(t, boundary, spec.OutputPolicy{})

	res, quarantine := runner.Execute(context.Background(), testSubmission(1000, 64), 0, func() {
		t.Fatalf("onReady must not run when setup fails")
	})
	if quarantine {
		t.Fatalf("setup failure must not quarantine")
	}
	if res.State != model.StateFailed || res.Reason != model.ReasonIsolationSetup {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecuteUnknownLanguage(t *testing.T) {
	boundary := &fakeBoundary{handle: &fakeHandle{proc: newFakeProcess()}}
	runner := newTestExecutor(t, boundary, spec.OutputPolicy{})
	sub := testSubmission(1000, 64)
	sub.Language = "cobol"

	res, _ := runner.Execute(context.Background(), sub, 0, nil)
	if res.State != model.StateFailed || res.Reason != model.ReasonExecutorFault {
		t.Fatalf("unexpected result %+v", res)
	}
	if boundary.created != 0 {
		t.Fatalf("boundary must not be built for an unknown runtime")
	}
}

func TestExecutePanicStillTearsDown(t *testing.T) {
	handle := &fakeHandle{proc: newFakeProcess(), panicLaunch: true}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	res, quarantine := runner.Execute(context.Background(), testSubmission(1000, 64), 0, nil)
	if quarantine {
		t.Fatalf("unexpected quarantine")
	}
	if res.State != model.StateFailed || res.Reason != model.ReasonExecutorFault {
		t.Fatalf("unexpected result %+v", res)
	}
	if handle.tornDown != 1 {
		t.Fatalf("expected teardown after panic, got %d", handle.tornDown)
	}
}

func TestExecuteTimeoutEscalatesToKill(t *testing.T) {
	proc := newFakeProcess(isolation.SignalKill)
	handle := &fakeHandle{proc: proc}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	start := time.Now()
	res, quarantine := runner.Execute(context.Background(), testSubmission(50, 64), 0, nil)
	elapsed := time.Since(start)
	if quarantine {
		t.Fatalf("unexpected quarantine")
	}
	if res.State != model.StateKilled || res.Reason != model.ReasonTimeLimit {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := proc.sent()
	if len(sent) != 2 || sent[0] != isolation.SignalTerminate || sent[1] != isolation.SignalKill {
		t.Fatalf("expected SIGTERM then SIGKILL, got %v", sent)
	}
	if elapsed > 50*time.Millisecond+100*time.Millisecond+time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestExecuteTimeoutGracefulExit(t *testing.T) {
	proc := newFakeProcess(isolation.SignalTerminate)
	runner := newTestExecutor(t, &fakeBoundary{handle: &fakeHandle{proc: proc}}, spec.OutputPolicy{})

	res, _ := runner.Execute(context.Background(), testSubmission(30, 64), 0, nil)
	if res.State != model.StateTimedOut || res.Message != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if sent := proc.sent(); len(sent) != 1 {
		t.Fatalf("expected only SIGTERM, got %v", sent)
	}
}

func TestExecuteZombieQuarantinesSlot(t *testing.T) {
	proc := newFakeProcess()
	handle := &fakeHandle{proc: proc, teardownErr: isolation.ErrProcessesRemain}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	res, quarantine := runner.Execute(context.Background(), testSubmission(30, 64), 0, nil)
	if !quarantine {
		t.Fatalf("expected quarantine")
	}
	if res.State != model.StateFailed || res.Reason != model.ReasonZombieProcess {
		t.Fatalf("unexpected result %+v", res)
	}
	proc.exit(isolation.ExitStatus{})
}

func TestExecuteMemoryLimit(t *testing.T) {
	handle := &fakeHandle{
		proc:  newFakeProcess(),
		usage: isolation.Usage{OOMKills: 1, PeakMemoryBytes: 64 << 20},
		script: func(_ isolation.LaunchSpec, proc *fakeProcess) {
			proc.exit(isolation.ExitStatus{ExitCode: -1, Signaled: true, Signal: "killed"})
		},
	}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	res, _ := runner.Execute(context.Background(), testSubmission(1000, 64), 0, nil)
	if res.State != model.StateKilled || res.Reason != model.ReasonMemoryLimit {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PeakMemoryKB != 64*1024 {
		t.Fatalf("unexpected peak memory %d", res.PeakMemoryKB)
	}
}

func TestExecuteCPULimit(t *testing.T) {
	cases := []struct {
		name   string
		status isolation.ExitStatus
	}{
		{"sigxcpu", isolation.ExitStatus{ExitCode: -1, Signaled: true, Signal: "CPU time limit exceeded", CPUExceeded: true, CPUTime: time.Second}},
		{"hard limit kill", isolation.ExitStatus{ExitCode: -1, Signaled: true, Signal: "killed", CPUTime: 2 * time.Second}},
	}
	for _, tc := range cases {
		status := tc.status
		handle := &fakeHandle{
			proc: newFakeProcess(),
			script: func(_ isolation.LaunchSpec, proc *fakeProcess) {
				proc.exit(status)
			},
		}
		runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})
		sub := testSubmission(5000, 64)
		sub.Limits.CPUTimeMs = 100

		res, quarantine := runner.Execute(context.Background(), sub, 0, nil)
		if quarantine {
			t.Fatalf("%s: unexpected quarantine", tc.name)
		}
		if res.State != model.StateKilled || res.Reason != model.ReasonCPULimit {
			t.Fatalf("%s: unexpected result %+v", tc.name, res)
		}
	}
}

func TestExecuteCancelledBeforeLaunch(t *testing.T) {
	proc := newFakeProcess()
	handle := &fakeHandle{proc: proc, script: exitWith(0)}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, quarantine := runner.Execute(ctx, testSubmission(1000, 64), 0, nil)
	if quarantine {
		t.Fatalf("unexpected quarantine")
	}
	if res.State != model.StateCancelled || res.Reason != model.ReasonCancelled {
		t.Fatalf("unexpected result %+v", res)
	}
	handle.mu.Lock()
	launched, tornDown := handle.args != nil, handle.tornDown
	handle.mu.Unlock()
	if launched {
		t.Fatalf("program must not start after cancellation")
	}
	if tornDown != 1 {
		t.Fatalf("expected teardown, got %d", tornDown)
	}
}

func TestExecuteCancel(t *testing.T) {
	proc := newFakeProcess(isolation.SignalTerminate)
	runner := newTestExecutor(t, &fakeBoundary{handle: &fakeHandle{proc: proc}}, spec.OutputPolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	res, _ := runner.Execute(ctx, testSubmission(5000, 64), 0, cancel)
	if res.State != model.StateCancelled || res.Reason != model.ReasonCancelled {
		t.Fatalf("unexpected result %+v", res)
	}
}

func writeOutput(stdout, stderr string, code int) func(isolation.LaunchSpec, *fakeProcess) {
	return func(ls isolation.LaunchSpec, proc *fakeProcess) {
		_, _ = io.WriteString(ls.Stdout, stdout)
		_, _ = io.WriteString(ls.Stderr, stderr)
		proc.exit(isolation.ExitStatus{ExitCode: code})
	}
}

func TestExecuteOutputTruncate(t *testing.T) {
	handle := &fakeHandle{proc: newFakeProcess(), script: writeOutput("hello world", "", 0)}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{Mode: spec.OutputTruncate})

	res, _ := runner.Execute(context.Background(), testSubmission(1000, 5), 0, nil)
	if res.State != model.StateCompleted {
		t.Fatalf("truncation must not change the state, got %+v", res)
	}
	if res.Stdout != "hello" || !res.Truncated || !res.StdoutTruncated || res.StderrTruncated {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestExecuteOutputKill(t *testing.T) {
	proc := newFakeProcess(isolation.SignalTerminate)
	handle := &fakeHandle{
		proc: proc,
		script: func(ls isolation.LaunchSpec, _ *fakeProcess) {
			_, _ = io.WriteString(ls.Stdout, "0123456789")
		},
	}
	runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{Mode: spec.OutputKill})

	res, _ := runner.Execute(context.Background(), testSubmission(5000, 4), 0, nil)
	if res.State != model.StateKilled || res.Reason != model.ReasonOutputLimit {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Stdout != "0123" || !res.Truncated {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestExecuteOutputScope(t *testing.T) {
	cases := []struct {
		name      string
		scope     spec.OutputScope
		truncated bool
		stderr    string
	}{
		{"combined", spec.ScopeCombined, true, ""},
		{"separate", spec.ScopeSeparate, false, "world"},
	}
	for _, tc := range cases {
		handle := &fakeHandle{proc: newFakeProcess(), script: func(ls isolation.LaunchSpec, proc *fakeProcess) {
			_, _ = io.WriteString(ls.Stdout, "hello")
			_, _ = io.WriteString(ls.Stderr, "world")
			proc.exit(isolation.ExitStatus{})
		}}
		runner := newTestExecutor(t, &fakeBoundary{handle: handle}, spec.OutputPolicy{Scope: tc.scope})
		res, _ := runner.Execute(context.Background(), testSubmission(1000, 5), 0, nil)
		if res.Truncated != tc.truncated {
			t.Fatalf("%s: expected truncated=%v, got %+v", tc.name, tc.truncated, res)
		}
		if res.Stdout != "hello" || res.Stderr != tc.stderr {
			t.Fatalf("%s: unexpected output %+v", tc.name, res)
		}
	}
}

func TestBoundedBufferDiscardsExcess(t *testing.T) {
	budget := newOutputBudget(8, make(chan struct{}, 1))
	buf := &boundedBuffer{budget: budget}
	chunk := make([]byte, 1024)
	for i := 0; i < 1024; i++ {
		n, err := buf.Write(chunk)
		if err != nil || n != len(chunk) {
			t.Fatalf("write must accept everything: n=%d err=%v", n, err)
		}
	}
	out, truncated := buf.snapshot()
	if len(out) != 8 || !truncated {
		t.Fatalf("expected 8 bytes truncated, got %d %v", len(out), truncated)
	}
	if buf.buf.Cap() > 1024 {
		t.Fatalf("capture buffer grew to %d bytes", buf.buf.Cap())
	}
}
