// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/testcontext"
)

func TestDetectBuildSystem(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, "manual"},
		{[]string{"README", "Makefile"}, "manual"},
		{[]string{"configure.ac", "Makefile.am"}, "autotools"},
		{[]string{"setup.py"}, "python-distutils"},
		{[]string{"Makefile.PL", "lib"}, "cpan"},
		{[]string{"Build.PL"}, "module-build"},
		{[]string{"CMakeLists.txt", "src"}, "cmake"},
		{[]string{"qtbase.pro"}, "qmake"},
		// Earlier build systems win.
		{[]string{"CMakeLists.txt", "autogen.sh"}, "autotools"},
	}
	for _, test := range tests {
		if got := DetectBuildSystem(test.names).Name; got != test.want {
			t.Errorf("DetectBuildSystem(%q) = %q; want %q", test.names, got, test.want)
		}
	}
}

func TestBuildCommands(t *testing.T) {
	ctx := testcontext.New(t)
	cfg := app.Default()

	t.Run("Defined", func(t *testing.T) {
		def := &defs.Definition{
			Path:        "strata/core/zlib",
			Name:        "zlib",
			Kind:        defs.KindChunk,
			BuildSystem: "cmake",
			Commands: map[string][]string{
				"build-commands":     {"make -C build"},
				"configure-commands": {},
			},
		}
		got, err := buildCommands(ctx, cfg, def, "")
		if err != nil {
			t.Fatal(err)
		}
		want := map[string][]string{
			"build-commands":   {"make -C build"},
			"install-commands": {`make DESTDIR="$DESTDIR" install`},
		}
		if diff := cmp.Diff(want, nonEmptySteps(got)); diff != "" {
			t.Errorf("commands (-want +got):\n%s", diff)
		}
	})

	t.Run("Detected", func(t *testing.T) {
		checkout := t.TempDir()
		if err := os.WriteFile(filepath.Join(checkout, "setup.py"), nil, 0o666); err != nil {
			t.Fatal(err)
		}
		def := &defs.Definition{Path: "strata/python/six", Name: "six", Kind: defs.KindChunk}
		got, err := buildCommands(ctx, cfg, def, checkout)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string][]string{
			"build-commands":   {"python setup.py build"},
			"install-commands": {`python setup.py install --prefix "$PREFIX" --root "$DESTDIR"`},
		}
		if diff := cmp.Diff(want, nonEmptySteps(got)); diff != "" {
			t.Errorf("commands (-want +got):\n%s", diff)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		def := &defs.Definition{Path: "strata/core/x", Name: "x", BuildSystem: "scons"}
		if _, err := buildCommands(ctx, cfg, def, ""); err == nil {
			t.Error("buildCommands did not return an error for an unknown build system")
		}
	})

	t.Run("ManualWithoutInstall", func(t *testing.T) {
		def := &defs.Definition{Path: "strata/core/x", Name: "x", Kind: defs.KindChunk}
		checkout := t.TempDir()
		if _, err := buildCommands(ctx, cfg, def, checkout); err != nil {
			t.Errorf("check-definitions=warn: %v", err)
		}
		strict := app.Default()
		strict.CheckDefinitions = "exit"
		if _, err := buildCommands(ctx, strict, def, checkout); err == nil {
			t.Error("check-definitions=exit: buildCommands did not return an error")
		}
	})
}

// nonEmptySteps returns the build steps in commands that have commands.
func nonEmptySteps(commands map[string][]string) map[string][]string {
	m := make(map[string][]string)
	for step, cmds := range commands {
		if len(cmds) > 0 {
			m[step] = cmds
		}
	}
	return m
}
