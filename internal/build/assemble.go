// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/osutil"
	"github.com/leeming/ybd/internal/sandbox"
	"zombiezen.com/go/log"
)

// buildChunk runs a chunk's build steps
// and returns the directory to store as its artifact.
func (b *Builder) buildChunk(ctx context.Context, sb *sandbox.Sandbox) (string, error) {
	def := sb.Def
	deps, err := b.installDependencies(ctx, sb, def.BuildDepends)
	if err != nil {
		return "", err
	}
	if err := b.runBuild(ctx, sb, deps); err != nil {
		return "", err
	}
	if err := writeChunkMetadata(sb); err != nil {
		return "", err
	}
	return sb.InstallDir, nil
}

// installDependencies installs the artifacts for paths into the sandbox root
// and returns the definitions installed.
// Dependencies with a different build mode are skipped.
func (b *Builder) installDependencies(ctx context.Context, sb *sandbox.Sandbox, paths []string) ([]*defs.Definition, error) {
	var installed []*defs.Definition
	for _, path := range paths {
		dep, ok := b.Defs.Get(path)
		if !ok {
			return nil, fmt.Errorf("%s: build-depends %s: %w", sb.Def.Path, path, defs.ErrNotFound)
		}
		if !sameBuildMode(sb.Def, dep) {
			continue
		}
		if err := sb.Install(ctx, dep); err != nil {
			return nil, err
		}
		installed = append(installed, dep)
	}
	return installed, nil
}

// runBuild checks out the source and runs each build step in the sandbox.
func (b *Builder) runBuild(ctx context.Context, sb *sandbox.Sandbox, deps []*defs.Definition) error {
	def := sb.Def
	if b.Config.Mode == app.ModeNoBuild {
		log.Infof(ctx, "%s: SKIPPING BUILD: artifact will be empty", def.Name)
		return nil
	}
	if !def.IsBootstrap() {
		if err := sb.Ldconfig(ctx); err != nil {
			return err
		}
	}
	// The commit time overrides any SOURCE_DATE_EPOCH in the definition
	// for this build only. The stored definition is left as it was loaded.
	var commitTime string
	if def.Repo != "" {
		ref := def.Ref
		if ref == "" {
			ref = def.Tree
		}
		if err := b.Source.Checkout(ctx, def.Repo, ref, sb.Checkout); err != nil {
			return fmt.Errorf("%s: %v", def.Path, err)
		}
		if b.CommitTime != nil {
			t, err := b.CommitTime(ctx, sb.Checkout)
			if err != nil {
				return fmt.Errorf("%s: %v", def.Path, err)
			}
			commitTime = t
		}
	}
	commands, err := buildCommands(ctx, b.Config, def, sb.Checkout)
	if err != nil {
		return err
	}
	env := sandbox.BuildEnv(b.Config, sb, deps)
	if commitTime != "" {
		env["SOURCE_DATE_EPOCH"] = commitTime
	}
	log.Infof(ctx, "%s: Logging build commands to %s", def.Name, sb.Log)
	for _, step := range defs.Steps {
		if len(commands[step]) > 0 {
			log.Infof(ctx, "%s: Running %s", def.Name, step)
		}
		for _, command := range commands[step] {
			if err := sb.Run(ctx, command, env, strings.Contains(step, "build")); err != nil {
				return err
			}
		}
	}
	if len(def.Devices) > 0 {
		if err := sb.CreateDevices(ctx); err != nil {
			return err
		}
	}
	return nil
}

// buildStratum gathers the artifacts of a stratum's chunks
// and returns the directory to store as the stratum's artifact.
func (b *Builder) buildStratum(ctx context.Context, sb *sandbox.Sandbox) (string, error) {
	def := sb.Def
	items, err := b.contents(def)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if err := sb.Stage(ctx, item); err != nil {
			return "", err
		}
	}
	if err := writeAssemblyMetadata(b.Config, sb, items); err != nil {
		return "", err
	}
	return sb.InstallDir, nil
}

// buildSystem assembles a system's filesystem in the sandbox root
// and returns the directory to store as the system's artifact.
func (b *Builder) buildSystem(ctx context.Context, sb *sandbox.Sandbox) (string, error) {
	def := sb.Def
	items, err := b.contents(def)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if err := sb.Install(ctx, item); err != nil {
			return "", err
		}
	}
	if b.Config.Mode != app.ModeNoBuild {
		if err := sb.Ldconfig(ctx); err != nil {
			return "", err
		}
		if len(def.Devices) > 0 {
			if err := sb.CreateDevices(ctx); err != nil {
				return "", err
			}
		}
		for _, ext := range def.ConfigurationExtensions {
			prog, err := sandbox.FindExtension(sandbox.StepConfigure, ext, b.Config.DefDir, b.Config.ExtsDir)
			if err != nil {
				return "", fmt.Errorf("%s: %v", def.Path, err)
			}
			if err := sb.RunExtension(ctx, nil, sandbox.StepConfigure, ext, prog); err != nil {
				return "", err
			}
		}
	}
	if err := writeAssemblyMetadata(b.Config, sb, items); err != nil {
		return "", err
	}

	// The system's own metadata joins the filesystem,
	// and the scratch directories leave it.
	if err := osutil.HardlinkAll(sb.InstallDir, sb.Root); err != nil {
		return "", fmt.Errorf("%s: %v", def.Path, err)
	}
	for _, dir := range []string{sb.Checkout, sb.InstallDir} {
		if err := osutil.UnmountAndRemoveAll(dir); err != nil {
			return "", fmt.Errorf("%s: %v", def.Path, err)
		}
	}
	if err := clearDir(sb.Tmp); err != nil {
		return "", fmt.Errorf("%s: %v", def.Path, err)
	}
	return sb.Root, nil
}

// contents returns the definitions of def's contents
// that go into its artifact.
func (b *Builder) contents(def *defs.Definition) ([]*defs.Definition, error) {
	var items []*defs.Definition
	for _, c := range def.Contents {
		item, ok := b.Defs.Get(c.Path)
		if !ok {
			return nil, fmt.Errorf("%s: contents %s: %w", def.Path, c.Path, defs.ErrNotFound)
		}
		if item.IsBootstrap() {
			continue
		}
		if item.Arch != "" && item.Arch != b.Config.Arch.String() {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// clearDir removes everything inside dir but leaves dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}
