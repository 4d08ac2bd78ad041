// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package system

import "strings"

// Architecture is a Baserock architecture name (e.g. "x86_64", "armv7lhf").
// Architecture names are what definitions and the command line use;
// they map onto the CPU names used in GNU target triples with [Architecture.CPU].
type Architecture string

// cpus maps Baserock architecture names to GNU CPU names.
// Architectures not in the table use their own name as the CPU name.
var cpus = map[Architecture]string{
	"armv5l":   "armv5l",
	"armv7b":   "armv7b",
	"armv7l":   "armv7l",
	"armv7lhf": "armv7lhf",
	"armv8l64": "aarch64",
	"armv8b64": "aarch64_be",
	"mips32b":  "mips",
	"mips32l":  "mipsel",
	"mips64b":  "mips64",
	"mips64l":  "mips64el",
	"ppc64":    "ppc64",
	"x86_32":   "i686",
	"x86_64":   "x86_64",
}

// String returns string(arch).
func (arch Architecture) String() string {
	return string(arch)
}

// CPU returns the GNU CPU name for the architecture.
func (arch Architecture) CPU() string {
	if cpu, ok := cpus[arch]; ok {
		return cpu
	}
	return string(arch)
}

// IsKnown reports whether arch is one of the architectures
// that definitions can be built for.
func (arch Architecture) IsKnown() bool {
	_, ok := cpus[arch]
	return ok
}

// abiSuffix returns the suffix appended to the "gnu" environment
// of the target triple.
func (arch Architecture) abiSuffix() string {
	switch {
	case strings.HasPrefix(string(arch), "armv7") || strings.HasPrefix(string(arch), "armv5"):
		return "eabi"
	case strings.HasPrefix(string(arch), "mips64"):
		return "abi64"
	default:
		return ""
	}
}

// Target returns the target triple that build commands see as $TARGET.
func (arch Architecture) Target() string {
	return arch.CPU() + "-baserock-linux-gnu" + arch.abiSuffix()
}

// BootstrapTarget returns the triple used for the first stage of the toolchain
// ($TARGET_STAGE1).
func (arch Architecture) BootstrapTarget() string {
	return arch.CPU() + "-bootstrap-linux-gnu" + arch.abiSuffix()
}
