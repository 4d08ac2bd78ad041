// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/leeming/ybd/internal/osutil"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// DefaultExecutor returns a [ChrootExecutor] when running as root
// and a [HostExecutor] otherwise.
func DefaultExecutor() Executor {
	if osutil.IsRoot() {
		return ChrootExecutor{}
	}
	return HostExecutor{}
}

// ChrootExecutor runs commands in private mount and network namespaces,
// with the filesystem root changed to the sandbox.
// It requires root privileges.
type ChrootExecutor struct{}

// Capabilities reports support for everything except read-only paths.
func (ChrootExecutor) Capabilities() Capabilities {
	return Capabilities{
		Chroot:  true,
		Mounts:  true,
		Network: true,
	}
}

// Run runs cmd inside cmd.Root.
func (ChrootExecutor) Run(ctx context.Context, cmd *Command) (int, error) {
	if len(cmd.Argv) == 0 {
		return -1, fmt.Errorf("run: empty command")
	}
	chroot := cmd.Root != "" && cmd.Root != "/"
	if chroot {
		cleanupMounts, err := setupSandboxFilesystem(ctx, cmd.Root, cmd.Mounts)
		if err != nil {
			return -1, err
		}
		defer cleanupMounts()
	}

	prog := cmd.Argv[0]
	if !strings.Contains(prog, "/") {
		pathList := "/usr/bin:/bin"
		for _, kv := range cmd.Env {
			if v, ok := strings.CutPrefix(kv, "PATH="); ok {
				pathList = v
			}
		}
		root := "/"
		if chroot {
			root = cmd.Root
		}
		found := ""
		for _, dir := range filepath.SplitList(pathList) {
			if dir == "" {
				continue
			}
			if lookPath(prog, filepath.Join(root, dir)) != "" {
				found = filepath.Join(dir, prog)
				break
			}
		}
		if found == "" {
			return -1, fmt.Errorf("run: %s not found in %s", prog, pathList)
		}
		prog = found
	}

	c := exec.CommandContext(ctx, prog, cmd.Argv[1:]...)
	c.Args[0] = cmd.Argv[0]
	setCancelFunc(c)
	c.Env = cmd.Env
	c.Dir = cmd.Cwd
	c.Stdout = cmd.Output
	c.Stderr = cmd.Output
	c.SysProcAttr = new(syscall.SysProcAttr)
	if cmd.IsolateMounts {
		c.SysProcAttr.Cloneflags |= unix.CLONE_NEWNS
	}
	if cmd.IsolateNetwork {
		c.SysProcAttr.Cloneflags |= unix.CLONE_NEWNET
	}
	if chroot {
		c.SysProcAttr.Chroot = cmd.Root
	}
	return exitStatus(c.Run())
}

func setupSandboxFilesystem(ctx context.Context, dir string, extra []Mount) (cleanupMounts func(), err error) {
	log.Debugf(ctx, "Preparing sandbox at %s...", dir)
	var mounts []string
	// Separate variable so named return does not clobber in defer.
	doCleanupMounts := func() {
		for i := range mounts {
			// Unmount in reverse order of creation.
			m := mounts[len(mounts)-1-i]

			log.Debugf(ctx, "umount %s", m)
			if err := unix.Unmount(m, osutil.UnmountNoFollow); err != nil {
				log.Errorf(ctx, "Failed to unmount %s during cleanup: %v", m, err)
			}
		}
		mounts = nil
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("prepare sandbox in %s: %v", dir, err)
			doCleanupMounts()
		}
	}()

	exists := func(path string) bool {
		_, err := os.Lstat(path)
		return err == nil
	}
	doBindMount := func(ctx context.Context, oldname, newname string) error {
		isMount, err := bindMount(ctx, oldname, newname)
		if isMount {
			mounts = append(mounts, newname)
		}
		return err
	}

	devDir := filepath.Join(dir, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return nil, err
	}
	for newname, oldname := range linuxDeviceBindMounts(devDir) {
		if !exists(oldname) {
			continue
		}
		if err := doBindMount(ctx, oldname, newname); err != nil {
			return nil, err
		}
	}
	for newname, oldname := range linuxDeviceSymlinks(devDir) {
		if exists(newname) {
			continue
		}
		if err := os.Symlink(oldname, newname); err != nil {
			return nil, err
		}
	}

	for _, m := range extra {
		target := filepath.Join(dir, filepath.FromSlash(m.Target))
		switch m.Type {
		case MountBind:
			if err := doBindMount(ctx, m.Source, target); err != nil {
				return nil, err
			}
		case MountTmpfs, MountProc:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			log.Debugf(ctx, "mount -t %s -o %q none %s", m.Type, m.Options, target)
			if err := unix.Mount("none", target, m.Type, 0, m.Options); err != nil {
				return nil, fmt.Errorf("mount %s on %s: %v", m.Type, target, err)
			}
			mounts = append(mounts, target)
		default:
			return nil, fmt.Errorf("unknown mount type %q for %s", m.Type, m.Target)
		}
	}

	return doCleanupMounts, nil
}

// bindMount creates a bind mount of oldname at newname,
// creating any parent directories of newname that do not exist.
// isMount is true if and only if a bind mount was created at newname.
//
// If oldname references a symlink, an equivalent symlink will be created
// instead of creating a bind mount
// and isMount will be false.
func bindMount(ctx context.Context, oldname, newname string) (isMount bool, err error) {
	info, err := os.Lstat(oldname)
	if err != nil {
		return false, fmt.Errorf("bind mount %s to %s: %w", oldname, newname, err)
	}

	switch info.Mode().Type() {
	case os.ModeDir:
		if err := os.MkdirAll(newname, 0o777); err != nil {
			return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
		}
	case os.ModeSymlink:
		if err := os.MkdirAll(filepath.Dir(newname), 0o777); err != nil {
			return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
		}
		target, err := os.Readlink(oldname)
		if err != nil {
			return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
		}
		log.Debugf(ctx, "ln -s %s %s", target, newname)
		if err := os.Symlink(target, newname); err != nil {
			return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
		}
		return false, nil
	default:
		if err := os.MkdirAll(filepath.Dir(newname), 0o777); err != nil {
			return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
		}
		if _, err := os.Lstat(newname); err != nil {
			if err := os.WriteFile(newname, nil, 0o666); err != nil {
				return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
			}
		}
	}
	log.Debugf(ctx, "mount --rbind %s %s", oldname, newname)
	if err := unix.Mount(oldname, newname, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return false, fmt.Errorf("bind mount %s to %s: %v", oldname, newname, err)
	}
	return true, nil
}

// linuxDeviceBindMounts yields the host device nodes
// made available inside every sandbox.
func linuxDeviceBindMounts(devDir string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, name := range []string{"full", "null", "random", "tty", "urandom", "zero"} {
			if !yield(filepath.Join(devDir, name), "/dev/"+name) {
				return
			}
		}
	}
}

func linuxDeviceSymlinks(devDir string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		links := [][2]string{
			{"fd", "/proc/self/fd"},
			{"stdin", "/proc/self/fd/0"},
			{"stdout", "/proc/self/fd/1"},
			{"stderr", "/proc/self/fd/2"},
		}
		for _, l := range links {
			if !yield(filepath.Join(devDir, l[0]), l[1]) {
				return
			}
		}
	}
}
