// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build linux

package osutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"syscall"

	"golang.org/x/sys/unix"
)

// UnmountAndRemoveAll removes path and any children it contains,
// first detaching any filesystems mounted underneath it.
// A sandbox that was torn down while a bind mount was still active
// would otherwise have its host-side source deleted through the mount.
func UnmountAndRemoveAll(path string) error {
	mounts, err := mountPointsUnder(path)
	if err != nil {
		return err
	}
	// Deepest mounts first.
	slices.Reverse(mounts)
	for _, m := range mounts {
		err := ignoringEINTR(func() error {
			return unix.Unmount(m, UnmountNoFollow|unix.MNT_DETACH)
		})
		if err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, fs.ErrNotExist) {
			return &os.PathError{Op: "umount", Path: m, Err: err}
		}
	}
	return os.RemoveAll(path)
}

// mountPointsUnder returns the directories under root (including root)
// that reside on a different device than their parent directory,
// in walk order.
func mountPointsUnder(root string) ([]string, error) {
	rootInfo, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rootInfo.IsDir() {
		return nil, nil
	}
	var mounts []string
	parentDev := map[string]uint64{}
	if info, err := os.Lstat(filepath.Dir(root)); err == nil {
		parentDev[filepath.Dir(root)] = deviceOf(info)
	}
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		dev := deviceOf(info)
		parentDev[path] = dev
		if pd, ok := parentDev[filepath.Dir(path)]; ok && pd != dev {
			mounts = append(mounts, path)
			// Don't descend into mounted filesystems: detaching the mount point
			// is enough to detach everything underneath it.
			return filepath.SkipDir
		}
		return nil
	})
	return mounts, err
}

func deviceOf(info fs.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return uint64(st.Dev)
}

func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != syscall.EINTR {
			return err
		}
	}
}
