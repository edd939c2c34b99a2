//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// buildFilesystem lays out the sandbox root and enters it. Without a rootfs
// the program runs in the host workspace with only a private mount table.
func buildFilesystem(req initRequest) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	if req.RootFS == "" {
		return nil
	}
	root := req.RootFS
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind rootfs: %w", err)
	}

	workTarget, err := inRoot(root, req.WorkDir)
	if err != nil {
		return err
	}
	if err := bindMount(req.Workspace, workTarget, false); err != nil {
		return fmt.Errorf("mount workspace: %w", err)
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	tmpOpts := fmt.Sprintf("size=%dm,mode=1777", req.TmpfsSizeMB)
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpOpts); err != nil {
		return fmt.Errorf("mount tmp: %w", err)
	}

	proc := filepath.Join(root, "proc")
	if err := os.MkdirAll(proc, 0755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}

	for _, m := range req.Mounts {
		if m.Source == "" || m.Target == "" {
			return errors.New("invalid mount spec")
		}
		target, err := inRoot(root, m.Target)
		if err != nil {
			return err
		}
		if err := bindMount(m.Source, target, m.ReadOnly); err != nil {
			return fmt.Errorf("mount %s: %w", m.Target, err)
		}
	}

	if err := unix.Mount("", root, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount rootfs readonly: %w", err)
	}
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	return nil
}

// inRoot joins target under root and rejects paths that escape it.
func inRoot(root, target string) (string, error) {
	joined := filepath.Join(root, filepath.Clean("/"+target))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("mount target %q escapes rootfs", target)
	}
	return joined, nil
}

func bindMount(source, target string, readOnly bool) error {
	if err := ensureMountTarget(source, target); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if readOnly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			return fmt.Errorf("remount readonly: %w", err)
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}
