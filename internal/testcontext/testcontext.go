// Copyright 2024 The ybd Authors
// SPDX-License-Identifier: MIT

// Package testcontext provides contexts for tests.
package testcontext

import (
	"context"
	"testing"

	"zombiezen.com/go/log/testlog"
)

// New returns a context that sends log messages to the test's log
// and is canceled when the test finishes.
func New(tb testing.TB) context.Context {
	return testlog.WithTB(tb.Context(), tb)
}
