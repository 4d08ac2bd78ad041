// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// errInstanceRunning is returned by [lockInstance]
// when an incompatible instance holds the lock.
var errInstanceRunning = errors.New("another instance is running")

// lockInstance takes a shared lock on the file at path
// that lasts until the returned file is closed.
// If no other instance holds the lock,
// cleanup is called first while holding it exclusively.
func lockInstance(ctx context.Context, path string, cleanup func() error) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
		log.Debugf(ctx, "No other instances; cleaning up")
		if err := cleanup(); err != nil {
			f.Close()
			return nil, err
		}
	}
	// Converting an exclusive lock to a shared one is not atomic,
	// but it never blocks on ourselves.
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, errInstanceRunning)
		}
		return nil, fmt.Errorf("lock %s: %v", path, err)
	}
	log.Debugf(ctx, "Holding lock %s", path)
	return f, nil
}
