//go:build linux

package isolation

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/internal/sandbox/spec"
)

func TestOOMKillCount(t *testing.T) {
	dir := t.TempDir()
	events := "low 0\nhigh 2\nmax 5\noom 1\noom_kill 1\noom_group_kill 1\n"
	if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte(events), 0644); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if got := oomKillCount(dir); got != 2 {
		t.Fatalf("expected 2 oom kills, got %d", got)
	}
	if got := oomKillCount(filepath.Join(dir, "missing")); got != 0 {
		t.Fatalf("expected 0 for missing cgroup, got %d", got)
	}
}

func TestDrainCgroupEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(""), 0644); err != nil {
		t.Fatalf("write procs: %v", err)
	}
	if err := drainCgroup(context.Background(), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDrainCgroupReportsSurvivors(t *testing.T) {
	dir := t.TempDir()
	// A pid that cannot exist keeps the fake cgroup non-empty.
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte("4194304\n"), 0644); err != nil {
		t.Fatalf("write procs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.kill"), nil, 0644); err != nil {
		t.Fatalf("write kill: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := drainCgroup(ctx, dir)
	if !errors.Is(err, ErrProcessesRemain) {
		t.Fatalf("expected ErrProcessesRemain, got %v", err)
	}
}

func TestApplyCgroupSettings(t *testing.T) {
	dir := t.TempDir()
	settings := limiter.CgroupSettings{MemoryMax: "1048576", MemorySwapMax: "0", PidsMax: "16", CPUMax: "max 100000"}
	if err := applyCgroupSettings(dir, settings); err != nil {
		t.Fatalf("apply settings: %v", err)
	}
	for name, want := range map[string]string{"memory.max": "1048576", "pids.max": "16", "cpu.max": "max 100000", "memory.oom.group": "1"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("%s: expected %q, got %q", name, want, string(data))
		}
	}
}

func TestReadProgramReport(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if _, err := w.WriteString("{\"exit_code\":-1,\"signal\":24}\n"); err != nil {
		t.Fatalf("write report: %v", err)
	}
	_ = w.Close()

	report, ok := readProgramReport(r)
	if !ok || report.Signal != int(syscall.SIGXCPU) {
		t.Fatalf("unexpected report %+v ok=%v", report, ok)
	}
	status := applyReport(ExitStatus{ExitCode: 128 + 24, CPUTime: 3 * time.Second}, report)
	if !status.Signaled || !status.CPUExceeded || status.ExitCode != -1 || status.CPUTime != 3*time.Second {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestReadProgramReportEmpty(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	_ = w.Close()
	if _, ok := readProgramReport(r); ok {
		t.Fatalf("expected no report from a direct exec")
	}
	status := applyReport(ExitStatus{ExitCode: 9}, programReport{ExitCode: 3})
	if status.Signaled || status.ExitCode != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSafeName(t *testing.T) {
	if got := safeName("../etc/passwd"); got != "etcpasswd" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
	if got := safeName("///"); got != "run" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestStrictBoundaryRejectsWeakRuntime(t *testing.T) {
	b := &linuxBoundary{cfg: Config{WorkRoot: t.TempDir(), Strict: true, EnableNamespaces: true, EnableSeccomp: true}}
	cases := []struct {
		name string
		rt   profile.Runtime
	}{
		{"no rootfs", profile.Runtime{Language: "py", SeccompProfile: "py.json"}},
		{"network", profile.Runtime{Language: "py", RootFS: "/srv/rootfs", SeccompProfile: "py.json", AllowNetwork: true}},
		{"no seccomp", profile.Runtime{Language: "py", RootFS: "/srv/rootfs"}},
	}
	for _, tc := range cases {
		_, err := b.Create(context.Background(), Request{SubmissionID: "s1", Runtime: tc.rt})
		var setupErr *SetupError
		if !errors.As(err, &setupErr) {
			t.Fatalf("%s: expected SetupError, got %v", tc.name, err)
		}
	}
	entries, _ := os.ReadDir(b.cfg.WorkRoot)
	if len(entries) != 0 {
		t.Fatalf("rejected requests must not leave workspaces behind")
	}
}

// TestBoundaryRunsHelper exercises the real helper. It needs a built
// sandbox-init on PATH and unprivileged user namespaces.
func TestBoundaryRunsHelper(t *testing.T) {
	if os.Getenv("FUZEXEC_SANDBOX_IT") != "1" {
		t.Skip("set FUZEXEC_SANDBOX_IT=1 to run sandbox integration tests")
	}
	boundary, err := NewBoundary(Config{WorkRoot: t.TempDir(), EnableNamespaces: true})
	if err != nil {
		t.Fatalf("new boundary: %v", err)
	}
	constraints, err := limiter.Translate(spec.ResourceLimit{WallTimeMs: 2000, OutputBytes: 1024}, spec.OutputPolicy{}, limiter.Options{})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	handle, err := boundary.Create(context.Background(), Request{
		SubmissionID: "it",
		Runtime:      profile.Runtime{Language: "sh", SourceFile: "main.sh", Command: "/bin/sh {source}"},
		Constraints:  constraints,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer handle.Teardown(context.Background())

	if err := handle.WriteFile("main.sh", []byte("read x; echo \"got $x\"; hostname")); err != nil {
		t.Fatalf("write source: %v", err)
	}
	var stdout, stderr bytes.Buffer
	proc, err := handle.Launch(context.Background(), LaunchSpec{
		Args:   []string{"/bin/sh", handle.Path("main.sh")},
		Stdin:  strings.NewReader("ping\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	status, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.ExitCode != 0 {
		t.Fatalf("unexpected exit %d, stderr %q", status.ExitCode, stderr.String())
	}
	if stdout.String() != "got ping\nsandbox\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}
