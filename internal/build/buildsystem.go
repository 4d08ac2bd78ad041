// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"zombiezen.com/go/log"
)

// BuildSystem is a set of default build step commands
// for a common way of building software.
type BuildSystem struct {
	Name string
	// Indicators are glob patterns for files at the top of a source tree
	// that identify the build system.
	Indicators []string
	Commands   map[string][]string
}

const manualBuildSystem = "manual"

// buildSystems is ordered by detection precedence.
var buildSystems = []*BuildSystem{
	{
		Name: "autotools",
		Indicators: []string{
			"autogen", "autogen.sh", "bootstrap", "bootstrap.sh",
			"configure", "configure.ac", "configure.in", "configure.in.in",
		},
		Commands: map[string][]string{
			"configure-commands": {
				"export NOCONFIGURE=1; " +
					"if [ -e autogen ]; then ./autogen; " +
					"elif [ -e autogen.sh ]; then ./autogen.sh; " +
					"elif [ -e bootstrap ]; then ./bootstrap; " +
					"elif [ -e bootstrap.sh ]; then ./bootstrap.sh; " +
					"elif [ ! -e ./configure ]; then autoreconf -ivf; fi",
				`./configure --prefix="$PREFIX" --sysconfdir=/etc --localstatedir=/var`,
			},
			"build-commands":   {"make"},
			"install-commands": {`make DESTDIR="$DESTDIR" install`},
		},
	},
	{
		Name:       "python-distutils",
		Indicators: []string{"setup.py"},
		Commands: map[string][]string{
			"build-commands":   {"python setup.py build"},
			"install-commands": {`python setup.py install --prefix "$PREFIX" --root "$DESTDIR"`},
		},
	},
	{
		Name:       "cpan",
		Indicators: []string{"Makefile.PL"},
		Commands: map[string][]string{
			"configure-commands": {
				`perl Makefile.PL INSTALLDIRS=perl ` +
					`INSTALLARCHLIB="$PREFIX/lib/perl" ` +
					`INSTALLPRIVLIB="$PREFIX/lib/perl" ` +
					`INSTALLBIN="$PREFIX/bin" ` +
					`INSTALLSCRIPT="$PREFIX/bin" ` +
					`INSTALLMAN1DIR="$PREFIX/share/man/man1" ` +
					`INSTALLMAN3DIR="$PREFIX/share/man/man3"`,
			},
			"build-commands":   {"make"},
			"install-commands": {`make DESTDIR="$DESTDIR" install`},
		},
	},
	{
		Name:       "module-build",
		Indicators: []string{"Build.PL"},
		Commands: map[string][]string{
			"configure-commands": {`perl Build.PL --prefix "$PREFIX"`},
			"build-commands":     {"./Build"},
			"install-commands":   {`./Build install --destdir "$DESTDIR"`},
		},
	},
	{
		Name:       "cmake",
		Indicators: []string{"CMakeLists.txt"},
		Commands: map[string][]string{
			"configure-commands": {`cmake -DCMAKE_INSTALL_PREFIX="$PREFIX"`},
			"build-commands":     {"make"},
			"install-commands":   {`make DESTDIR="$DESTDIR" install`},
		},
	},
	{
		Name:       "qmake",
		Indicators: []string{"*.pro"},
		Commands: map[string][]string{
			"configure-commands": {"qmake -makefile"},
			"build-commands":     {"make"},
			"install-commands":   {`make INSTALL_ROOT="$DESTDIR" install`},
		},
	},
	{
		Name: "python3-distutils",
		Commands: map[string][]string{
			"build-commands":   {"python3 setup.py build"},
			"install-commands": {`python3 setup.py install --prefix "$PREFIX" --root "$DESTDIR"`},
		},
	},
	{Name: manualBuildSystem},
}

// LookupBuildSystem returns the build system with the given name.
func LookupBuildSystem(name string) (*BuildSystem, bool) {
	for _, bs := range buildSystems {
		if bs.Name == name {
			return bs, true
		}
	}
	return nil, false
}

// DetectBuildSystem returns the first build system
// with an indicator among the given top-level file names,
// or the manual build system if none match.
func DetectBuildSystem(names []string) *BuildSystem {
	for _, bs := range buildSystems {
		for _, pattern := range bs.Indicators {
			for _, name := range names {
				if ok, _ := path.Match(pattern, name); ok {
					return bs
				}
			}
		}
	}
	bs, _ := LookupBuildSystem(manualBuildSystem)
	return bs
}

// buildCommands returns the commands for each build step of def.
// Steps the definition specifies (even as empty) are taken from the definition.
// The rest come from its build-system,
// which is detected from the checkout when not given.
func buildCommands(ctx context.Context, cfg *app.Config, def *defs.Definition, checkout string) (map[string][]string, error) {
	var bs *BuildSystem
	if def.BuildSystem != "" {
		var ok bool
		bs, ok = LookupBuildSystem(def.BuildSystem)
		if !ok {
			return nil, fmt.Errorf("%s: unknown build-system %q", def.Path, def.BuildSystem)
		}
		log.Debugf(ctx, "%s: Defined build system is %s", def.Name, bs.Name)
	} else {
		entries, err := os.ReadDir(checkout)
		if err != nil {
			return nil, fmt.Errorf("%s: detect build system: %v", def.Path, err)
		}
		names := make([]string, 0, len(entries))
		for _, ent := range entries {
			names = append(names, ent.Name())
		}
		bs = DetectBuildSystem(names)
		if _, hasInstall := def.Commands["install-commands"]; bs.Name == manualBuildSystem && !hasInstall && def.Kind == defs.KindChunk {
			if cfg.Strict() {
				return nil, fmt.Errorf("%s: no install-commands, manual build-system", def.Path)
			}
			log.Warnf(ctx, "%s: WARNING: No install-commands, manual build-system", def.Name)
		}
		log.Infof(ctx, "%s: WARNING: Assumed build system is %s", def.Name, bs.Name)
	}

	commands := make(map[string][]string, len(defs.Steps))
	for _, step := range defs.Steps {
		if cmds, ok := def.Commands[step]; ok {
			commands[step] = cmds
		} else {
			commands[step] = bs.Commands[step]
		}
	}
	return commands, nil
}
