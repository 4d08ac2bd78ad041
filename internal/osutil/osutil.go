// Copyright 2024 The ybd Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// MkdirPerm creates a new directory with the given permission bits (after umask).
func MkdirPerm(name string, perm os.FileMode) error {
	if err := os.Mkdir(name, perm); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return nil
}

// IsRoot reports whether the process is running as the Unix root user.
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == 0
}

// HardlinkAll populates dst with hard links to every file in src,
// creating directories as needed.
// Existing files in dst are replaced.
// Symbolic links are recreated rather than linked.
func HardlinkAll(src, dst string) error {
	return mirror(src, dst, func(oldname, newname string, _ fs.FileInfo) error {
		if err := os.Link(oldname, newname); err != nil {
			return err
		}
		return nil
	})
}

// CopyAll populates dst with copies of every file in src,
// creating directories as needed and preserving permission bits.
// Existing files in dst are replaced.
func CopyAll(src, dst string) error {
	return mirror(src, dst, copyFile)
}

// mirror walks src and recreates its directory structure in dst,
// calling placeFile for every regular file.
func mirror(src, dst string, placeFile func(oldname, newname string, info fs.FileInfo) error) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch info.Mode().Type() {
		case fs.ModeDir:
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			return nil
		case fs.ModeSymlink:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := replaceable(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case 0:
			if err := replaceable(target); err != nil {
				return err
			}
			if err := placeFile(path, target, info); err != nil {
				return fmt.Errorf("mirror %s: %v", rel, err)
			}
			return nil
		default:
			// Device nodes, sockets and pipes are not carried in artifacts.
			return nil
		}
	})
}

// replaceable removes any non-directory at path.
func replaceable(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return os.Remove(path)
}

func copyFile(oldname, newname string, info fs.FileInfo) (err error) {
	src, err := os.Open(oldname)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(newname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
	}()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Chmod(info.Mode().Perm())
}

// TreeSize returns the total size in bytes of the regular files under dir.
func TreeSize(dir string) (int64, error) {
	var n int64
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		n += info.Size()
		return nil
	})
	return n, err
}
