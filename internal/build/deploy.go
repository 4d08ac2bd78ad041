// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/sandbox"
	"github.com/leeming/ybd/internal/xmaps"
	"zombiezen.com/go/log"
)

// Deploy runs the deployment extensions for each system of the cluster at path.
// The systems must already have been built.
func (b *Builder) Deploy(ctx context.Context, path string) error {
	cluster, ok := b.Defs.Get(path)
	if !ok {
		return fmt.Errorf("deploy %s: %w", path, defs.ErrNotFound)
	}
	if cluster.Kind != defs.KindCluster {
		return fmt.Errorf("deploy %s: not a cluster (kind %s)", path, cluster.Kind)
	}
	for _, dep := range cluster.Systems {
		sys, ok := b.Defs.Get(dep.Path)
		if !ok {
			return fmt.Errorf("deploy %s: system %s: %w", path, dep.Path, defs.ErrNotFound)
		}
		if sys.Arch != "" && sys.Arch != b.Config.Arch.String() {
			continue
		}
		start := time.Now()
		if err := b.deploySystem(ctx, dep, ""); err != nil {
			return err
		}
		log.Infof(ctx, "%s: Deployed in %v", sys.Name, time.Since(start).Round(time.Second))
	}
	return nil
}

// deploySystem deploys a system and its subsystems.
// Subsystem locations are relative to parentLocation when it is not empty.
func (b *Builder) deploySystem(ctx context.Context, dep *defs.Deployment, parentLocation string) error {
	sys, ok := b.Defs.Get(dep.Path)
	if !ok {
		return fmt.Errorf("deploy %s: %w", dep.Path, defs.ErrNotFound)
	}
	if !b.Artifacts.Has(sys) {
		return fmt.Errorf("deploy %s: system is not built", sys.Path)
	}
	return b.Sandboxes.With(ctx, sys, func(sb *sandbox.Sandbox) error {
		log.Infof(ctx, "%s: Extracting system artifact into %s", sys.Name, sb.Root)
		if err := sb.Install(ctx, sys); err != nil {
			return err
		}
		for _, sub := range dep.Subsystems {
			if err := b.deploySystem(ctx, sub, sb.Root); err != nil {
				return err
			}
		}
		for _, name := range xmaps.SortedKeys(dep.Deploy) {
			if err := b.runDeployment(ctx, sb, name, dep.Deploy[name], parentLocation); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Builder) runDeployment(ctx context.Context, sb *sandbox.Sandbox, name string, params map[string]string, parentLocation string) error {
	sys := sb.Def
	method := params["type"]
	if method == "" {
		method = params["upgrade-type"]
	}
	if method == "" {
		return fmt.Errorf("%s: deployment %s has no type", sys.Path, name)
	}
	method = path.Base(method)
	deployment := maps.Clone(params)
	if parentLocation != "" {
		for _, key := range []string{"location", "upgrade-location"} {
			if loc, ok := deployment[key]; ok {
				deployment[key] = filepath.Join(parentLocation, strings.TrimLeft(loc, "/"))
			}
		}
	}
	log.Infof(ctx, "%s: Deploying %s with %s", sys.Name, name, method)
	dirs := []string{b.Config.DefDir, b.Config.ExtsDir}

	check, err := sandbox.FindExtension(sandbox.StepCheck, method, dirs...)
	switch {
	case errors.Is(err, sandbox.ErrNoExtension):
		log.Infof(ctx, "%s: Couldn't find a check extension for %s", sys.Name, method)
	case err != nil:
		return fmt.Errorf("%s: %v", sys.Path, err)
	default:
		if err := sb.RunExtension(ctx, deployment, sandbox.StepCheck, method, check); err != nil {
			return err
		}
	}

	if err := os.Chmod(sb.Root, 0o755); err != nil {
		return fmt.Errorf("%s: %v", sys.Path, err)
	}
	write, err := sandbox.FindExtension(sandbox.StepWrite, method, dirs...)
	if err != nil {
		return fmt.Errorf("%s: %v", sys.Path, err)
	}
	return sb.RunExtension(ctx, deployment, sandbox.StepWrite, method, write)
}
