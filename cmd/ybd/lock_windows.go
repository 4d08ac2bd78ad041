// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"

	"zombiezen.com/go/log"
)

// lockInstance opens the lock file at path.
// Windows has no advisory shared locks,
// so instances are not coordinated and cleanup always runs.
func lockInstance(ctx context.Context, path string, cleanup func() error) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	log.Warnf(ctx, "Instance locking is not supported on Windows")
	if err := cleanup(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
