// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package build walks the definition graph
// and produces an artifact for every definition the target needs.
package build

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/cache"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/sandbox"
	"zombiezen.com/go/log"
)

// ErrRetry is wrapped by errors from [Builder.Compose]
// when another instance holds a definition that is needed.
// Composing again later will make progress.
var ErrRetry = errors.New("waiting for another instance")

// Result classifies the outcome of [Builder.Compose].
type Result int

// Compose outcomes.
const (
	// Done means the artifact exists.
	Done Result = iota
	// Retry means the artifact is being built elsewhere.
	Retry
	// Fatal means the build failed.
	Fatal
)

// ResultOf returns the classification of an error returned by [Builder.Compose].
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Done
	case errors.Is(err, ErrRetry):
		return Retry
	default:
		return Fatal
	}
}

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Artifacts is the artifact store used by a [Builder].
// [*cache.Store] implements Artifacts.
type Artifacts interface {
	sandbox.Artifacts
	Has(def *defs.Definition) bool
	Put(ctx context.Context, def *defs.Definition, dir string, buildID uuid.UUID) error
	// Lock claims the right to build the artifact with the given cache identity.
	// If another instance holds the claim, Lock returns an error wrapping [cache.ErrLocked].
	Lock(ctx context.Context, cacheID string) (unlock func(), err error)
}

// Source checks out component source code.
type Source interface {
	Checkout(ctx context.Context, repo, ref, dir string) error
}

// Builder composes artifacts for definitions.
// Every definition reachable from the target
// must have been assigned a cache identity before calling [Builder.Compose].
type Builder struct {
	Config    *app.Config
	Defs      *defs.Store
	Artifacts Artifacts
	Sandboxes *sandbox.Manager
	Source    Source
	// CommitTime returns the SOURCE_DATE_EPOCH for a checkout.
	// If nil, SOURCE_DATE_EPOCH is left unset.
	CommitTime func(ctx context.Context, dir string) (string, error)
}

// Compose ensures that the artifact for the definition at path exists,
// building it and everything it depends on as needed.
// Clusters have no artifact of their own:
// composing a cluster composes its systems.
func (b *Builder) Compose(ctx context.Context, path string) error {
	def, ok := b.Defs.Get(path)
	if !ok {
		return fmt.Errorf("compose %s: %w", path, defs.ErrNotFound)
	}
	if def.Kind == defs.KindCluster {
		return b.composeSystems(ctx, def.Systems)
	}
	if def.Cache == "" {
		log.Debugf(ctx, "%s: No cache key, so skipping compose", def.Name)
		return nil
	}
	if def.Arch != "" && def.Arch != b.Config.Arch.String() {
		return nil
	}
	if b.Artifacts.Has(def) {
		return nil
	}
	log.Debugf(ctx, "Composing %s", def.Cache)

	for _, dep := range def.BuildDepends {
		depDef, ok := b.Defs.Get(dep)
		if !ok {
			return fmt.Errorf("%s: build-depends %s: %w", def.Path, dep, defs.ErrNotFound)
		}
		if def.Kind == defs.KindChunk && !sameBuildMode(def, depDef) {
			continue
		}
		if err := b.Compose(ctx, dep); err != nil {
			return err
		}
	}
	for _, c := range def.Contents {
		item, ok := b.Defs.Get(c.Path)
		if !ok {
			return fmt.Errorf("%s: contents %s: %w", def.Path, c.Path, defs.ErrNotFound)
		}
		if item.IsBootstrap() {
			continue
		}
		if err := b.Compose(ctx, c.Path); err != nil {
			return err
		}
	}
	return b.build(ctx, def)
}

func (b *Builder) composeSystems(ctx context.Context, systems []*defs.Deployment) error {
	for _, sys := range systems {
		if err := b.Compose(ctx, sys.Path); err != nil {
			return err
		}
		if err := b.composeSystems(ctx, sys.Subsystems); err != nil {
			return err
		}
	}
	return nil
}

// build produces the artifact for def, whose dependencies have all been composed.
func (b *Builder) build(ctx context.Context, def *defs.Definition) error {
	unlock, err := b.Artifacts.Lock(ctx, def.Cache)
	if errors.Is(err, cache.ErrLocked) {
		log.Debugf(ctx, "%s: Already building elsewhere, so wait/retry", def.Name)
		return fmt.Errorf("%s: %w", def.Path, ErrRetry)
	}
	if err != nil {
		return fmt.Errorf("%s: %v", def.Path, err)
	}
	defer unlock()
	if b.Artifacts.Has(def) {
		// Another instance finished it while we were composing dependencies.
		return nil
	}

	buildID := uuid.New()
	start := time.Now()
	counts := &b.Config.Counts
	log.Infof(ctx, "[%d/%d] Building %s %s (build %v)",
		counts.Built.Load()+1, counts.Tasks.Load(), def.Kind, def.Cache, buildID)
	err = b.Sandboxes.With(ctx, def, func(sb *sandbox.Sandbox) error {
		var artifactDir string
		var err error
		switch def.Kind {
		case defs.KindSystem:
			artifactDir, err = b.buildSystem(ctx, sb)
		case defs.KindStratum:
			artifactDir, err = b.buildStratum(ctx, sb)
		default:
			artifactDir, err = b.buildChunk(ctx, sb)
		}
		if err != nil {
			return err
		}
		return b.Artifacts.Put(ctx, def, artifactDir, buildID)
	})
	if err != nil {
		return err
	}
	counts.Built.Add(1)
	log.Infof(ctx, "%s: Built %s in %v", def.Name, def.Cache, time.Since(start).Round(time.Second))
	return nil
}

func sameBuildMode(d1, d2 *defs.Definition) bool {
	return d1.IsBootstrap() == d2.IsBootstrap()
}

// Run composes the definition at target until it is done or fails,
// waiting and retrying while other instances hold parts of the graph.
func Run(ctx context.Context, b *Builder, target string) error {
	for attempt := 0; ; attempt++ {
		err := b.Compose(ctx, target)
		switch ResultOf(err) {
		case Done:
			return nil
		case Retry:
			if err := sleepCtx(ctx, retryDelay(attempt)); err != nil {
				log.Errorf(ctx, "%s: Interrupted", target)
				return err
			}
		default:
			if ctx.Err() != nil {
				log.Errorf(ctx, "%s: Interrupted", target)
			}
			return err
		}
	}
}

// retryDelay returns a randomized backoff
// so that instances waiting on each other do not wake in lockstep.
func retryDelay(attempt int) time.Duration {
	base := 100 * time.Millisecond << min(attempt, 4)
	return base + rand.N(base)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
