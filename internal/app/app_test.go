// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package app

import (
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.Arch = "x86_64"
	cfg.SetBase(filepath.Join(t.TempDir(), "ybd"))
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
	if cfg.Strict() {
		t.Error("Default().Strict() = true; want false")
	}
	if !cfg.IsMain() {
		t.Error("Default().IsMain() = false; want true")
	}
}

func TestSetBase(t *testing.T) {
	cfg := Default()
	cfg.ArtifactDir = "/srv/artifacts"
	cfg.SetBase("/src")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"tmp", cfg.TmpDir, filepath.Join("/src", "tmp")},
		{"artifacts", cfg.ArtifactDir, "/srv/artifacts"},
		{"gits", cfg.GitsDir, filepath.Join("/src", "gits")},
		{"ccache", cfg.CcacheDir, filepath.Join("/src", "ccache_dir")},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("%s = %q; want %q", test.name, test.got, test.want)
		}
	}
}

func TestForkSuffix(t *testing.T) {
	tests := []struct {
		instances int
		fork      int
		want      string
	}{
		{1, 0, ""},
		{3, 0, ".0"},
		{3, 2, ".2"},
	}
	for _, test := range tests {
		cfg := Default()
		cfg.Instances = test.instances
		cfg.Fork = test.fork
		if got := cfg.ForkSuffix(); got != test.want {
			t.Errorf("Instances=%d Fork=%d ForkSuffix() = %q; want %q", test.instances, test.fork, got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"BadMode", func(cfg *Config) { cfg.Mode = "fast" }},
		{"BadCheck", func(cfg *Config) { cfg.CheckDefinitions = "maybe" }},
		{"NoArch", func(cfg *Config) { cfg.Arch = "" }},
		{"ZeroJobs", func(cfg *Config) { cfg.MaxJobs = 0 }},
		{"ForkOutOfRange", func(cfg *Config) { cfg.Fork = 2; cfg.Instances = 2 }},
		{"RelativeTmp", func(cfg *Config) { cfg.TmpDir = "tmp" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			cfg.Arch = "x86_64"
			cfg.SetBase("/src")
			test.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = <nil>; want error")
			}
		})
	}
}
