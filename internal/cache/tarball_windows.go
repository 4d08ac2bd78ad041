// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"archive/tar"
	"fmt"
	"io/fs"
)

func makeNode(target string, hdr *tar.Header) error {
	return fmt.Errorf("create %s: special files not supported on Windows: %w", target, fs.ErrPermission)
}
