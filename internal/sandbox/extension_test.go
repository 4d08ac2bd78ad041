// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leeming/ybd/internal/testcontext"
)

func TestFindExtension(t *testing.T) {
	defDir := t.TempDir()
	extsDir := t.TempDir()
	write := func(path string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o777); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(defDir, "extensions", "tar.write"))
	write(filepath.Join(extsDir, "tar.write"))
	write(filepath.Join(extsDir, "ssh-rsync.check"))
	write(filepath.Join(defDir, ".git", "hooks", "rawdisk.write"))

	got, err := FindExtension(StepWrite, "tar", defDir, extsDir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(defDir, "extensions", "tar.write"); got != want {
		t.Errorf("FindExtension(write, tar) = %q; want %q", got, want)
	}
	got, err = FindExtension(StepCheck, "extensions/ssh-rsync", defDir, extsDir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(extsDir, "ssh-rsync.check"); got != want {
		t.Errorf("FindExtension(check, ssh-rsync) = %q; want %q", got, want)
	}
	if _, err := FindExtension(StepWrite, "rawdisk", defDir, extsDir); !errors.Is(err, ErrNoExtension) {
		t.Errorf("FindExtension(write, rawdisk) error = %v; want %v", err, ErrNoExtension)
	}
}

func TestRunExtension(t *testing.T) {
	requireShell(t)
	ctx := testcontext.New(t)
	m := newTestManager(t)
	m.Config.DefDir = t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	prog := filepath.Join(t.TempDir(), "tar.write")
	script := "#!/bin/sh\necho \"$UPGRADE $HOSTNAME $lower $1 $2\" > " + out + "\npwd >> " + out + "\n"
	if err := os.WriteFile(prog, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	var root string
	err := m.With(ctx, testDefinition(), func(sb *Sandbox) error {
		root = sb.Root
		deployment := map[string]string{
			"type":     "tar",
			"location": "/srv/out.tar",
			"HOSTNAME": "baserock",
			"lower":    "ignored",
		}
		return sb.RunExtension(ctx, deployment, StepWrite, "tar", prog)
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(got)), "\n")
	if want := "no baserock  " + root + " /srv/out.tar"; lines[0] != want {
		t.Errorf("extension saw %q; want %q", lines[0], want)
	}
	if len(lines) < 2 || lines[1] != m.Config.DefDir {
		t.Errorf("extension working directory = %q; want %q", lines[1:], m.Config.DefDir)
	}

	entries, err := os.ReadDir(m.Config.TmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp directory not empty after extension: %v", entries)
	}
}

func TestRunExtensionFailure(t *testing.T) {
	requireShell(t)
	ctx := testcontext.New(t)
	m := newTestManager(t)
	m.Config.DefDir = t.TempDir()
	prog := filepath.Join(t.TempDir(), "fail.check")
	if err := os.WriteFile(prog, []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := m.With(ctx, testDefinition(), func(sb *Sandbox) error {
		return sb.RunExtension(ctx, map[string]string{"location": "x"}, StepCheck, "fail", prog)
	})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Errorf("RunExtension(...) = %v; want *CommandError", err)
	}
}

func TestIsUpper(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"HOSTNAME", true},
		{"DISK_SIZE", true},
		{"location", false},
		{"Mixed", false},
		{"_", false},
		{"", false},
	}
	for _, test := range tests {
		if got := isUpper(test.s); got != test.want {
			t.Errorf("isUpper(%q) = %t; want %t", test.s, got, test.want)
		}
	}
}
