// Copyright 2024 The ybd Authors
// SPDX-License-Identifier: MIT

package system

import "testing"

func TestTarget(t *testing.T) {
	tests := []struct {
		arch      Architecture
		target    string
		bootstrap string
	}{
		{"x86_64", "x86_64-baserock-linux-gnu", "x86_64-bootstrap-linux-gnu"},
		{"x86_32", "i686-baserock-linux-gnu", "i686-bootstrap-linux-gnu"},
		{"armv7lhf", "armv7lhf-baserock-linux-gnueabi", "armv7lhf-bootstrap-linux-gnueabi"},
		{"armv5l", "armv5l-baserock-linux-gnueabi", "armv5l-bootstrap-linux-gnueabi"},
		{"armv8l64", "aarch64-baserock-linux-gnu", "aarch64-bootstrap-linux-gnu"},
		{"mips64l", "mips64el-baserock-linux-gnuabi64", "mips64el-bootstrap-linux-gnuabi64"},
		{"mips32b", "mips-baserock-linux-gnu", "mips-bootstrap-linux-gnu"},
		{"riscv64", "riscv64-baserock-linux-gnu", "riscv64-bootstrap-linux-gnu"},
	}
	for _, test := range tests {
		if got := test.arch.Target(); got != test.target {
			t.Errorf("Architecture(%q).Target() = %q; want %q", test.arch, got, test.target)
		}
		if got := test.arch.BootstrapTarget(); got != test.bootstrap {
			t.Errorf("Architecture(%q).BootstrapTarget() = %q; want %q", test.arch, got, test.bootstrap)
		}
	}
}

func TestFromMachine(t *testing.T) {
	tests := []struct {
		machine string
		want    Architecture
	}{
		{"x86_64", "x86_64"},
		{"i686", "x86_32"},
		{"aarch64", "armv8l64"},
		{"armv7l", "armv7lhf"},
		{"ppc64", "ppc64"},
	}
	for _, test := range tests {
		if got := FromMachine(test.machine); got != test.want {
			t.Errorf("FromMachine(%q) = %q; want %q", test.machine, got, test.want)
		}
	}
}

func TestHost(t *testing.T) {
	got, err := Host()
	if err != nil {
		t.Fatal(err)
	}
	if got == "" {
		t.Error("Host() returned an empty architecture")
	}
}
