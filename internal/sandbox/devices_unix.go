// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

//go:build unix

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/leeming/ybd/internal/defs"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// CreateDevices creates the device nodes listed in the definition
// inside the sandbox's install directory,
// or inside the sandbox root for systems.
// Creating device nodes usually requires root privileges.
func (sb *Sandbox) CreateDevices(ctx context.Context) error {
	root := sb.InstallDir
	if sb.Def.Kind == defs.KindSystem {
		root = sb.Root
	}
	for _, dev := range sb.Def.Devices {
		if err := createDevice(ctx, root, dev); err != nil {
			return fmt.Errorf("%s: %v", sb.Def.Path, err)
		}
	}
	return nil
}

func createDevice(ctx context.Context, root string, dev defs.Device) error {
	mode, err := deviceMode(dev)
	if err != nil {
		return err
	}
	dest := filepath.Join(root, filepath.FromSlash(dev.Filename))
	log.Debugf(ctx, "Creating device node %s", dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create device %s: %v", dev.Filename, err)
	}
	if err := unix.Mknod(dest, mode, int(unix.Mkdev(dev.Major, dev.Minor))); err != nil {
		return fmt.Errorf("create device %s: %v", dev.Filename, err)
	}
	if err := os.Lchown(dest, dev.UID, dev.GID); err != nil {
		return fmt.Errorf("create device %s: %v", dev.Filename, err)
	}
	return nil
}

// deviceMode returns the mknod mode for dev.
// Permissions are given in octal.
func deviceMode(dev defs.Device) (uint32, error) {
	perms, err := strconv.ParseUint(dev.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("device %s: invalid permissions %q", dev.Filename, dev.Permissions)
	}
	mode := uint32(perms) & 0o777
	switch dev.Type {
	case "c":
		mode |= unix.S_IFCHR
	case "b":
		mode |= unix.S_IFBLK
	default:
		return 0, fmt.Errorf("device %s: unknown type %q", dev.Filename, dev.Type)
	}
	return mode, nil
}
