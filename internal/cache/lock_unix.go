// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build unix

package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// Lock claims the artifact with the given identity for building.
// If another process holds the claim, Lock returns an error wrapping [ErrLocked].
// The returned function releases the claim.
func (s *Store) Lock(ctx context.Context, cacheID string) (unlock func(), err error) {
	path := filepath.Join(s.dir, cacheID+".lock")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %v", cacheID, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("lock %s: %w", cacheID, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %v", cacheID, err)
	}
	log.Debugf(ctx, "Locked %s", cacheID)
	return func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf(ctx, "Unlock %s: %v", cacheID, err)
		}
		f.Close()
	}, nil
}
