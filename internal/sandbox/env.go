// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
)

// Fixed values in every build environment.
const (
	ccacheDir  = "/tmp/ccache"
	ccachePath = "/usr/lib/ccache"
	buildUser  = "tomjon"
)

// ccacheExtraFiles are toolchain metadata files whose contents
// should invalidate ccache entries when they change.
var ccacheExtraFiles = []string{
	"/baserock/binutils.meta",
	"/baserock/eglibc.meta",
	"/baserock/gcc.meta",
}

// BuildEnv returns the environment for the build commands of sb.Def.
// deps are the definitions named by sb.Def.BuildDepends.
func BuildEnv(cfg *app.Config, sb *Sandbox, deps []*defs.Definition) map[string]string {
	def := sb.Def
	env := make(map[string]string)

	var ccache []string
	if !cfg.NoCcache {
		ccache = []string{ccachePath}
		env["CCACHE_DIR"] = ccacheDir
		var extra []string
		for _, f := range ccacheExtraFiles {
			if _, err := os.Stat(filepath.Join(sb.Root, filepath.FromSlash(f))); err == nil {
				extra = append(extra, f)
			}
		}
		env["CCACHE_EXTRAFILES"] = strings.Join(extra, ":")
		if !cfg.NoDistcc {
			env["CCACHE_PREFIX"] = "distcc"
		}
	}

	var extraPath []string
	seen := make(map[string]struct{})
	for _, dep := range deps {
		prefix := dep.Prefix
		if prefix == "" {
			prefix = "/usr"
		}
		if _, dup := seen[prefix]; dup {
			continue
		}
		seen[prefix] = struct{}{}
		extraPath = append(extraPath, path.Join(prefix, "bin"))
	}

	var pathList []string
	if def.IsBootstrap() {
		for _, p := range append(extraPath, ccache...) {
			pathList = append(pathList, filepath.Clean(sb.Root+p))
		}
		pathList = append(pathList, cfg.BasePath...)
		env["DESTDIR"] = sb.InstallDir
	} else {
		pathList = append(pathList, extraPath...)
		pathList = append(pathList, ccache...)
		pathList = append(pathList, cfg.BasePath...)
		env["DESTDIR"] = "/" + filepath.Base(sb.InstallDir)
	}
	env["PATH"] = strings.Join(pathList, ":")

	env["PREFIX"] = def.Prefix
	if env["PREFIX"] == "" {
		env["PREFIX"] = "/usr"
	}
	jobs := def.MaxJobs
	if jobs <= 0 {
		jobs = cfg.MaxJobs
	}
	env["MAKEFLAGS"] = "-j" + strconv.Itoa(jobs)

	env["TERM"] = "dumb"
	env["SHELL"] = "/bin/sh"
	env["USER"] = buildUser
	env["USERNAME"] = buildUser
	env["LOGNAME"] = buildUser
	env["LC_ALL"] = "C"
	env["HOME"] = "/tmp"
	env["TZ"] = "UTC"

	env["TARGET"] = cfg.Arch.Target()
	env["TARGET_STAGE1"] = cfg.Arch.BootstrapTarget()
	env["MORPH_ARCH"] = cfg.Arch.String()
	env["DEFINITIONS_REF"] = cfg.DefVersion
	env["PROGRAM_REF"] = cfg.ProgramVersion
	if def.SourceDateEpoch != "" {
		env["SOURCE_DATE_EPOCH"] = def.SourceDateEpoch
	}
	return env
}
