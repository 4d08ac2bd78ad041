// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package osutil

import "os"

// UnmountAndRemoveAll removes path and any children it contains.
func UnmountAndRemoveAll(path string) error {
	return os.RemoveAll(path)
}
