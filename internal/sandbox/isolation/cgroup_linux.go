//go:build linux

package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fuzexec/internal/sandbox/limiter"
)

const cgroupPollInterval = 10 * time.Millisecond

func prepareCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	// Child cgroups only expose memory/pids/cpu files when the parent delegates them.
	return writeCgroupValue(root, "cgroup.subtree_control", "+cpu +memory +pids")
}

func createRunCgroup(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, fmt.Sprintf("%s-%d", name, time.Now().UnixNano()))
	if err := os.Mkdir(cgroupPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func applyCgroupSettings(cgroupPath string, settings limiter.CgroupSettings) error {
	if err := writeCgroupValue(cgroupPath, "memory.max", settings.MemoryMax); err != nil {
		return err
	}
	if err := writeCgroupValue(cgroupPath, "memory.swap.max", settings.MemorySwapMax); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := writeCgroupValue(cgroupPath, "memory.oom.group", "1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", settings.PidsMax); err != nil {
		return err
	}
	return writeCgroupValue(cgroupPath, "cpu.max", settings.CPUMax)
}

// killCgroup kills every process in the cgroup. Kernels without cgroup.kill
// fall back to signalling each listed pid.
func killCgroup(cgroupPath string) error {
	err := writeCgroupValue(cgroupPath, "cgroup.kill", "1")
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	pids, err := cgroupProcs(cgroupPath)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// drainCgroup kills the cgroup and waits until it is empty.
func drainCgroup(ctx context.Context, cgroupPath string) error {
	ticker := time.NewTicker(cgroupPollInterval)
	defer ticker.Stop()
	for {
		pids, err := cgroupProcs(cgroupPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		if err := killCgroup(cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d left in %s", ErrProcessesRemain, len(pids), cgroupPath)
		case <-ticker.C:
		}
	}
}

func cgroupProcs(cgroupPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func oomKillCount(cgroupPath string) int64 {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return 0
	}
	var total int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" || fields[0] == "oom_group_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			total += val
		}
	}
	return total
}

func memoryPeakBytes(cgroupPath string) int64 {
	val, err := readCgroupInt(cgroupPath, "memory.peak")
	if err != nil {
		return 0
	}
	return val
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0644)
}
