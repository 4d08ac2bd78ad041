// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHardlinkAll(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{
		"usr/bin/hello":       "#!/bin/sh\n",
		"baserock/hello.meta": "{}",
	})
	if err := os.Symlink("hello", filepath.Join(src, "usr", "bin", "hi")); err != nil {
		t.Fatal(err)
	}
	// A pre-existing file must be replaced.
	writeTree(t, dst, map[string]string{"usr/bin/hello": "old"})

	if err := HardlinkAll(src, dst); err != nil {
		t.Fatal("HardlinkAll:", err)
	}

	srcInfo, err := os.Stat(filepath.Join(src, "usr", "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	dstInfo, err := os.Stat(filepath.Join(dst, "usr", "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(srcInfo, dstInfo) {
		t.Error("usr/bin/hello is not a hard link to the source")
	}
	if got, err := os.Readlink(filepath.Join(dst, "usr", "bin", "hi")); err != nil || got != "hello" {
		t.Errorf("readlink usr/bin/hi = %q, %v; want \"hello\", <nil>", got, err)
	}
}

func TestCopyAll(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{
		"etc/os-release": "NAME=Baserock\n",
	})

	if err := CopyAll(src, dst); err != nil {
		t.Fatal("CopyAll:", err)
	}

	srcPath := filepath.Join(src, "etc", "os-release")
	dstPath := filepath.Join(dst, "etc", "os-release")
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "NAME=Baserock\n" {
		t.Errorf("etc/os-release = %q; want %q", got, "NAME=Baserock\n")
	}
	srcInfo, _ := os.Stat(srcPath)
	dstInfo, _ := os.Stat(dstPath)
	if os.SameFile(srcInfo, dstInfo) {
		t.Error("CopyAll created a hard link instead of a copy")
	}
}

func TestTreeSize(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a":     "12345",
		"b/c/d": "123",
	})
	got, err := TreeSize(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != 8 {
		t.Errorf("TreeSize(...) = %d; want 8", got)
	}
}

func TestUnmountAndRemoveAll(t *testing.T) {
	dir := t.TempDir()
	sandbox := filepath.Join(dir, "sandbox")
	writeTree(t, sandbox, map[string]string{
		"checkout/file": "x",
		"tmp/y":         "y",
	})
	if err := UnmountAndRemoveAll(sandbox); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(sandbox); !os.IsNotExist(err) {
		t.Errorf("after UnmountAndRemoveAll, Lstat(sandbox) = %v; want not exist", err)
	}
	// Removing a missing directory is not an error.
	if err := UnmountAndRemoveAll(sandbox); err != nil {
		t.Error("second UnmountAndRemoveAll:", err)
	}
}
