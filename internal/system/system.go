// Copyright 2024 The ybd Authors
// SPDX-License-Identifier: MIT

// Package system names the architectures that definitions are built for.
package system

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// FromMachine converts a kernel machine name (as reported by uname -m)
// into a Baserock [Architecture].
func FromMachine(machine string) Architecture {
	switch machine {
	case "i386", "i486", "i586", "i686":
		return "x86_32"
	case "amd64":
		return "x86_64"
	case "armv7l":
		// Baserock only supports hard-float little-endian ARMv7 hosts.
		return "armv7lhf"
	case "aarch64", "arm64":
		return "armv8l64"
	case "aarch64_be":
		return "armv8b64"
	case "mips":
		return "mips32b"
	case "mipsel":
		return "mips32l"
	case "mips64":
		return "mips64b"
	case "mips64el":
		return "mips64l"
	default:
		return Architecture(machine)
	}
}

// Host returns the architecture of the running kernel.
func Host() (Architecture, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("detect host architecture: %v", err)
	}
	machine := unix.ByteSliceToString(uts.Machine[:])
	if machine == "" {
		return "", fmt.Errorf("detect host architecture: empty machine name")
	}
	return FromMachine(strings.TrimSpace(machine)), nil
}
