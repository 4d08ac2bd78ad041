// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"fmt"
)

// CreateDevices returns an error if the definition lists any devices.
func (sb *Sandbox) CreateDevices(ctx context.Context) error {
	if len(sb.Def.Devices) > 0 {
		return fmt.Errorf("%s: device nodes not supported on Windows", sb.Def.Path)
	}
	return nil
}
