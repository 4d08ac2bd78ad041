// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leeming/ybd/internal/defs"
)

func TestSplitFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"usr/bin/gcc",
		"usr/lib/libgcc_s.so.1",
		"usr/lib/libstdc++.a",
		"usr/include/stdio.h",
		"usr/share/man/man1/gcc.1",
		"usr/share/locale/de/LC_MESSAGES/gcc.mo",
		"etc/gcc.conf",
		"usr/lib/gcc/plugin/gtype.state",
	} {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o666); err != nil {
			t.Fatal(err)
		}
	}
	def := &defs.Definition{
		Name: "gcc",
		Products: []defs.Product{
			{Artifact: "-plugins", Include: []string{`usr/lib/gcc/plugin/.*`}},
			// Overridden by the earlier rule of the same name.
			{Artifact: "gcc-plugins", Include: []string{`.*`}},
		},
	}
	rules, err := compileRules(def)
	if err != nil {
		t.Fatal(err)
	}
	got, err := splitFiles(rules, root)
	if err != nil {
		t.Fatal(err)
	}
	want := []ProductFiles{
		{Artifact: "gcc-plugins", Contents: []string{"usr/lib/gcc/plugin/gtype.state"}},
		{Artifact: "gcc-bins", Contents: []string{"usr/bin/gcc"}},
		{Artifact: "gcc-libs", Contents: []string{"usr/lib/libgcc_s.so.1"}},
		{Artifact: "gcc-devel", Contents: []string{"usr/include/stdio.h", "usr/lib/libstdc++.a"}},
		{Artifact: "gcc-doc", Contents: []string{"usr/share/man/man1/gcc.1"}},
		{Artifact: "gcc-locale", Contents: []string{"usr/share/locale/de/LC_MESSAGES/gcc.mo"}},
		{Artifact: "gcc-misc", Contents: []string{"etc/gcc.conf"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("splitFiles(...) (-want +got):\n%s", diff)
	}
}

func TestCompileRulesBadPattern(t *testing.T) {
	def := &defs.Definition{
		Path:     "strata/core/gcc",
		Name:     "gcc",
		Products: []defs.Product{{Artifact: "-broken", Include: []string{`usr/(lib`}}},
	}
	if _, err := compileRules(def); err == nil {
		t.Error("compileRules did not return an error for an invalid pattern")
	}
}
