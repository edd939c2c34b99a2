// Package executor runs one submission inside an isolation boundary and
// classifies how it ended.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/internal/sandbox/isolation"
	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/internal/sandbox/spec"
	"fuzexec/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultGrace = 2 * time.Second

// Config holds executor settings fixed at startup.
type Config struct {
	// Grace is the window between SIGTERM and giving up on reaping. Half of
	// it is spent before escalating to SIGKILL.
	Grace        time.Duration
	Limiter      limiter.Options
	OutputPolicy spec.OutputPolicy
}

// Executor runs submissions. It is safe for concurrent use; every call
// builds its own boundary.
type Executor struct {
	cfg      Config
	boundary isolation.Boundary
	runtimes profile.Repository
}

// New creates an executor.
func New(cfg Config, boundary isolation.Boundary, runtimes profile.Repository) (*Executor, error) {
	if boundary == nil {
		return nil, errors.New("isolation boundary is required")
	}
	if runtimes == nil {
		return nil, errors.New("runtime repository is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	cfg.OutputPolicy = cfg.OutputPolicy.Normalize()
	return &Executor{cfg: cfg, boundary: boundary, runtimes: runtimes}, nil
}

// Validate reports whether limits can be translated for this executor.
func (e *Executor) Validate(limits spec.ResourceLimit) error {
	_, err := limiter.Translate(limits, e.cfg.OutputPolicy, e.cfg.Limiter)
	return err
}

type waitOutcome struct {
	status isolation.ExitStatus
	err    error
}

// Execute runs sub and returns its terminal result. onReady is called once
// the program runs inside the boundary. quarantine reports that the slot
// may still host live processes and must not be reused.
//
// Cancelling ctx requests termination; the result is then Cancelled unless
// the process already finished.
func (e *Executor) Execute(ctx context.Context, sub model.Submission, slotID int, onReady func()) (res model.Result, quarantine bool) {
	ctx = logger.WithSubmission(ctx, sub.ID)
	logCtx := context.WithoutCancel(ctx)
	var handle isolation.Handle

	defer func() {
		if r := recover(); r != nil {
			logger.Error(logCtx, "executor panic", zap.Int("slot", slotID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = model.FailedResult(model.StateFailed, model.ReasonExecutorFault, fmt.Sprint(r))
		}
		if handle == nil {
			return
		}
		teardownCtx, cancel := context.WithTimeout(logCtx, e.cfg.Grace)
		defer cancel()
		if err := handle.Teardown(teardownCtx); err != nil && errors.Is(err, isolation.ErrProcessesRemain) {
			logger.Error(logCtx, "sandbox processes survived teardown", zap.Int("slot", slotID), zap.Error(err))
			res = model.FailedResult(model.StateFailed, model.ReasonZombieProcess, err.Error())
			quarantine = true
		}
	}()

	rt, ok := e.runtimes.Get(sub.Language)
	if !ok {
		return e.fault(logCtx, model.ReasonExecutorFault, fmt.Errorf("no runtime for language %q", sub.Language)), false
	}
	constraints, err := limiter.Translate(sub.Limits, e.cfg.OutputPolicy, e.cfg.Limiter)
	if err != nil {
		return e.fault(logCtx, model.ReasonExecutorFault, fmt.Errorf("translate limits: %w", err)), false
	}

	handle, err = e.boundary.Create(ctx, isolation.Request{
		SubmissionID: sub.ID,
		Runtime:      rt,
		Constraints:  constraints,
	})
	if err != nil {
		handle = nil
		return e.fault(logCtx, model.ReasonIsolationSetup, err), false
	}
	if err := handle.WriteFile(rt.SourceFile, sub.Source); err != nil {
		return e.fault(logCtx, model.ReasonIsolationSetup, fmt.Errorf("write source: %w", err)), false
	}
	args, err := rt.Args(handle.Path(rt.SourceFile))
	if err != nil {
		return e.fault(logCtx, model.ReasonExecutorFault, err), false
	}

	if ctx.Err() != nil {
		return model.FailedResult(model.StateCancelled, model.ReasonCancelled, "cancelled before launch"), false
	}

	out := newCapture(constraints.Output)
	proc, err := handle.Launch(ctx, isolation.LaunchSpec{
		Args:   args,
		Env:    rt.Env,
		Stdin:  bytes.NewReader(sub.Stdin),
		Stdout: out.stdout,
		Stderr: out.stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.FailedResult(model.StateCancelled, model.ReasonCancelled, "cancelled during launch"), false
		}
		return e.fault(logCtx, model.ReasonIsolationSetup, err), false
	}
	started := time.Now()
	if onReady != nil {
		onReady()
	}
	logger.Debug(ctx, "submission running", zap.Int("slot", slotID), zap.Int("pid", proc.Pid()))

	waitCh := make(chan waitOutcome, 1)
	go func() {
		status, err := proc.Wait()
		waitCh <- waitOutcome{status: status, err: err}
	}()

	var overflow <-chan struct{}
	if constraints.Output.Mode == spec.OutputKill {
		overflow = out.overflowSignal()
	}
	timer := time.NewTimer(constraints.WallTime)
	defer timer.Stop()

	var (
		outcome   waitOutcome
		exited    bool
		timedOut  bool
		cancelled bool
		forced    bool
	)
	select {
	case outcome = <-waitCh:
		exited = true
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		cancelled = true
	case <-overflow:
	}
	if !exited {
		// A process that finished while the select was deciding keeps its
		// natural outcome.
		select {
		case outcome = <-waitCh:
			exited = true
			timedOut, cancelled = false, false
		default:
			outcome, exited, forced = e.terminate(proc, waitCh)
		}
	}
	elapsed := time.Since(started)
	if !exited {
		logger.Error(logCtx, "sandboxed process did not exit after SIGKILL", zap.Int("slot", slotID), zap.Int("pid", proc.Pid()))
		res = model.FailedResult(model.StateFailed, model.ReasonZombieProcess, "process did not exit after forced kill")
		res.DurationMs = elapsed.Milliseconds()
		return res, true
	}

	stdout, stdoutTruncated := out.stdout.snapshot()
	stderr, stderrTruncated := out.stderr.snapshot()
	usage := handle.Usage()
	res = model.Result{
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutTruncated: stdoutTruncated,
		StderrTruncated: stderrTruncated,
		Truncated:       stdoutTruncated || stderrTruncated,
		ExitCode:        outcome.status.ExitCode,
		Signal:          outcome.status.Signal,
		DurationMs:      elapsed.Milliseconds(),
		PeakMemoryKB:    usage.PeakMemoryBytes / 1024,
		FinishedAt:      time.Now(),
	}
	if outcome.err != nil {
		logger.Error(logCtx, "wait for sandboxed process failed", zap.Int("slot", slotID), zap.Error(outcome.err))
		res.State = model.StateFailed
		res.Reason = model.ReasonExecutorFault
		res.Message = outcome.err.Error()
		return res, false
	}
	if cancelled {
		res.State = model.StateCancelled
		res.Reason = model.ReasonCancelled
		return res, false
	}

	violation := constraints.Classify(limiter.Observation{
		TimedOut:        timedOut,
		OutputOverflow:  stdoutTruncated || stderrTruncated,
		OOMKills:        usage.OOMKills,
		PeakMemoryBytes: usage.PeakMemoryBytes,
		Signaled:        outcome.status.Signaled,
		CPUSignal:       outcome.status.CPUExceeded,
		CPUTime:         outcome.status.CPUTime,
	})
	switch violation {
	case limiter.Time:
		res.State = model.StateTimedOut
		res.Reason = model.ReasonTimeLimit
		if forced {
			// SIGTERM was not honoured within the grace window.
			res.State = model.StateKilled
			res.Message = "terminated with SIGKILL after grace window"
		}
	case limiter.CPU:
		res.State = model.StateKilled
		res.Reason = model.ReasonCPULimit
	case limiter.Memory:
		res.State = model.StateKilled
		res.Reason = model.ReasonMemoryLimit
	case limiter.Output:
		res.State = model.StateKilled
		res.Reason = model.ReasonOutputLimit
	default:
		res.State = model.StateCompleted
	}
	return res, false
}

// terminate signals the whole process group: SIGTERM, half the grace
// window, SIGKILL, the remaining half. forced reports that SIGKILL was
// needed.
func (e *Executor) terminate(proc isolation.Process, waitCh <-chan waitOutcome) (outcome waitOutcome, exited bool, forced bool) {
	first := e.cfg.Grace / 2
	_ = proc.Signal(isolation.SignalTerminate)
	if outcome, ok := waitWithin(waitCh, first); ok {
		return outcome, true, false
	}
	_ = proc.Signal(isolation.SignalKill)
	if outcome, ok := waitWithin(waitCh, e.cfg.Grace-first); ok {
		return outcome, true, true
	}
	return waitOutcome{}, false, true
}

func waitWithin(waitCh <-chan waitOutcome, d time.Duration) (waitOutcome, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case outcome := <-waitCh:
		return outcome, true
	case <-timer.C:
		return waitOutcome{}, false
	}
}

func (e *Executor) fault(ctx context.Context, reason string, err error) model.Result {
	logger.Error(ctx, "submission failed before completion", zap.String("reason", reason), zap.Error(err))
	return model.FailedResult(model.StateFailed, reason, err.Error())
}
