// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package sandbox

// DefaultExecutor returns a [HostExecutor].
// Isolated execution is only available on Linux.
func DefaultExecutor() Executor {
	return HostExecutor{}
}
