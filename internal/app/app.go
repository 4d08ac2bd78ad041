// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package app provides the configuration shared by every part of a ybd run.
package app

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/leeming/ybd/internal/system"
)

// Mode selects how much of a build a run performs.
type Mode string

// Run modes.
const (
	// ModeNormal resolves definitions and builds the target.
	ModeNormal Mode = "normal"
	// ModeParseOnly resolves definitions, writes the snapshot and stops.
	ModeParseOnly Mode = "parse-only"
	// ModeNoBuild writes the snapshot and computes cache keys without building.
	ModeNoBuild Mode = "no-build"
	// ModeKeysOnly computes cache keys, writes the result file and stops.
	ModeKeysOnly Mode = "keys-only"
)

// IsValid reports whether m is one of the known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeNormal, ModeParseOnly, ModeNoBuild, ModeKeysOnly:
		return true
	default:
		return false
	}
}

// Config is the host configuration for a run.
// It is created once at startup and passed to every component that needs it.
// After startup, only [Config.Counts] is modified.
type Config struct {
	Debug bool `json:"debug"`

	// Target is the definition being built.
	Target string `json:"-"`
	// Arch is the architecture being built for.
	Arch system.Architecture `json:"arch"`
	Mode Mode                `json:"mode"`
	// CheckDefinitions is "warn" or "exit".
	// With "exit", structural problems in definitions are fatal.
	CheckDefinitions string `json:"check-definitions"`

	// DefDir is the definitions directory.
	DefDir string `json:"-"`
	// Base is the directory that the other directories default to living in.
	Base        string `json:"base"`
	TmpDir      string `json:"tmp"`
	ArtifactDir string `json:"artifacts"`
	GitsDir     string `json:"gits"`
	CcacheDir   string `json:"ccache_dir"`
	// ExtsDir holds deployment extensions.
	// Relative extension names are looked up here, then in DefDir.
	ExtsDir    string `json:"extsdir"`
	ResultFile string `json:"result-file"`

	// Aliases maps repository prefixes (like "upstream:") to URL prefixes.
	Aliases map[string]string `json:"aliases"`
	// Offline prevents git mirrors from being updated.
	Offline bool `json:"offline"`

	// BasePath is the fixed tail of PATH in build environments.
	BasePath []string `json:"base-path"`
	MaxJobs  int      `json:"max-jobs"`
	NoCcache bool     `json:"no-ccache"`
	NoDistcc bool     `json:"no-distcc"`
	// KeepArtifacts is the number of artifacts kept by culling.
	// Zero disables culling.
	KeepArtifacts int `json:"keep-artifacts"`

	// Instances is the number of build processes to run side by side.
	Instances int `json:"instances"`
	// Fork is the index of this process among the instances,
	// or zero for the main instance.
	Fork int `json:"-"`

	// DefVersion and ProgramVersion are identifiers for the definitions
	// and the running program, made available to build commands.
	DefVersion     string `json:"-"`
	ProgramVersion string `json:"-"`

	Counts Counts `json:"-"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Mode:             ModeNormal,
		CheckDefinitions: "warn",
		BasePath:         []string{"/usr/bin", "/bin", "/usr/sbin", "/sbin"},
		MaxJobs:          defaultMaxJobs(),
		NoDistcc:         true,
		Instances:        1,
	}
}

// defaultMaxJobs follows the usual heuristic of
// scaling job count with CPU count but capping it.
func defaultMaxJobs() int {
	return min(max(runtime.NumCPU()*3/2, 1), 64)
}

// SetBase fills in any unset directories relative to base.
func (c *Config) SetBase(base string) {
	c.Base = base
	set := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(base, name)
		}
	}
	set(&c.TmpDir, "tmp")
	set(&c.ArtifactDir, "artifacts")
	set(&c.GitsDir, "gits")
	set(&c.CcacheDir, "ccache_dir")
	set(&c.ExtsDir, "extensions")
}

// Strict reports whether structural problems in definitions are fatal.
func (c *Config) Strict() bool {
	return c.CheckDefinitions == "exit"
}

// IsMain reports whether this process is the main instance.
func (c *Config) IsMain() bool {
	return c.Fork == 0
}

// ForkSuffix returns the suffix added to per-instance file names,
// or the empty string when running a single instance.
func (c *Config) ForkSuffix() string {
	if c.Instances <= 1 {
		return ""
	}
	return "." + strconv.Itoa(c.Fork)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.CheckDefinitions != "warn" && c.CheckDefinitions != "exit" {
		return fmt.Errorf("check-definitions must be \"warn\" or \"exit\" (got %q)", c.CheckDefinitions)
	}
	if c.Arch == "" {
		return fmt.Errorf("architecture not set")
	}
	if c.MaxJobs < 1 {
		return fmt.Errorf("max-jobs must be positive (got %d)", c.MaxJobs)
	}
	if c.Instances < 1 {
		return fmt.Errorf("instances must be positive (got %d)", c.Instances)
	}
	if c.Fork < 0 || c.Fork >= c.Instances {
		return fmt.Errorf("fork %d out of range for %d instances", c.Fork, c.Instances)
	}
	for _, dir := range []string{c.TmpDir, c.ArtifactDir, c.GitsDir} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("directory %q is not absolute", dir)
		}
	}
	return nil
}

// Counts holds the number of definitions of each kind
// reachable from the target, and build progress.
type Counts struct {
	Systems atomic.Int64
	Strata  atomic.Int64
	Chunks  atomic.Int64
	// Tasks is the number of definitions that needed building.
	Tasks atomic.Int64
	// Built is the number of definitions built by this instance.
	Built atomic.Int64
}

// Total returns the number of definitions counted.
func (c *Counts) Total() int64 {
	return c.Systems.Load() + c.Strata.Load() + c.Chunks.Load()
}
