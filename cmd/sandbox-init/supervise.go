//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

const selfExe = "/proc/self/exe"

// programReport is written to fd 5 once the program has been reaped. The
// host only sees pid 1 exit, and pid 1 cannot die by the program's signal.
type programReport struct {
	ExitCode int `json:"exit_code"`
	Signal   int `json:"signal,omitempty"`
}

// supervise starts the second stage as pid 2 and stays as the namespace
// init. It only returns on errors before the program starts; afterwards it
// exits with the program's status.
func supervise(req initRequest, status *os.File) error {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create program pipe: %w", err)
	}

	cmd := exec.Command(selfExe, programArg)
	cmd.Env = []string{}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reqR, status}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, unix.SIGTERM, unix.SIGINT, unix.SIGHUP)

	if err := cmd.Start(); err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return fmt.Errorf("start program stage: %w", err)
	}
	_ = reqR.Close()
	encErr := json.NewEncoder(reqW).Encode(req)
	_ = reqW.Close()
	if encErr != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("send program request: %w", encErr)
	}
	// The second stage owns the status pipe from here: its exec closes it.
	_ = status.Close()

	child := cmd.Process.Pid
	go func() {
		for sig := range signals {
			if s, ok := sig.(syscall.Signal); ok {
				_ = syscall.Kill(child, s)
			}
		}
	}()

	ws, err := reapUntil(child)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(setupExitCode)
	}
	report, code := reportFor(ws)
	if result := os.NewFile(resultFD, "result"); result != nil {
		_ = json.NewEncoder(result).Encode(report)
		_ = result.Close()
	}
	os.Exit(code)
	return nil
}

// reapUntil collects every exited process in the namespace until pid
// itself has exited.
func reapUntil(pid int) (unix.WaitStatus, error) {
	for {
		var ws unix.WaitStatus
		got, err := unix.Wait4(-1, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait for program: %w", err)
		}
		if got == pid {
			return ws, nil
		}
	}
}

// reportFor translates the program's wait status into the report for the
// host and the exit code the init leaves with.
func reportFor(ws unix.WaitStatus) (programReport, int) {
	if ws.Signaled() {
		sig := int(ws.Signal())
		return programReport{ExitCode: -1, Signal: sig}, 128 + sig
	}
	return programReport{ExitCode: ws.ExitStatus()}, ws.ExitStatus()
}
