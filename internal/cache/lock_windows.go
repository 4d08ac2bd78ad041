// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Lock claims the artifact with the given identity for building.
// If another process holds the claim, Lock returns an error wrapping [ErrLocked].
// The returned function releases the claim.
func (s *Store) Lock(ctx context.Context, cacheID string) (unlock func(), err error) {
	path := filepath.Join(s.dir, cacheID+".lock")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("lock %s: %w", cacheID, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %v", cacheID, err)
	}
	return func() {
		f.Close()
		os.Remove(path)
	}, nil
}
