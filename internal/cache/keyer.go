// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package cache computes cache identities for definitions
// and stores built artifacts.
package cache

import (
	"context"
	"fmt"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

// noBuildKey replaces the digest in cache identities
// when keys are not being computed for a build.
const noBuildKey = "no-build"

// TreeResolver resolves version-control refs to tree ids.
type TreeResolver interface {
	Tree(ctx context.Context, repo, ref string) (string, error)
}

// A Keyer assigns cache identities to definitions.
// A Keyer is not safe for concurrent use.
type Keyer struct {
	Config *app.Config
	Defs   *defs.Store
	// Trees resolves the tree id of definitions with a repository.
	// If nil, definitions must already have a tree id.
	Trees TreeResolver
	// Artifacts is consulted to count definitions that need building.
	// It may be nil.
	Artifacts *Store

	calculating map[string]struct{}
	skipped     map[string]struct{}
	keys        []string
}

// Key returns the cache identity of the definition at path,
// computing it and the identities of everything it depends on if necessary.
// The identity is recorded in the definition's Cache field.
// Key returns the empty string for definitions that are for a different architecture.
func (k *Keyer) Key(ctx context.Context, path string) (string, error) {
	def, ok := k.Defs.Get(path)
	if !ok {
		return "", fmt.Errorf("compute cache key: %s: %w", path, defs.ErrNotFound)
	}
	if def.Cache != "" {
		return def.Cache, nil
	}
	if _, loop := k.calculating[path]; loop {
		return "", fmt.Errorf("%s: recursion loop in dependencies", path)
	}
	if def.Arch != "" && def.Arch != k.Config.Arch.String() {
		if k.skipped == nil {
			k.skipped = make(map[string]struct{})
		}
		if _, logged := k.skipped[path]; !logged {
			k.skipped[path] = struct{}{}
			log.Infof(ctx, "%s: No cache key for arch %s mismatch", def.Name, def.Arch)
		}
		return "", nil
	}
	if k.calculating == nil {
		k.calculating = make(map[string]struct{})
	}
	k.calculating[path] = struct{}{}
	defer delete(k.calculating, path)

	hashing := k.Config.Mode == app.ModeNormal || k.Config.Mode == app.ModeKeysOnly
	if hashing && def.Repo != "" && def.Tree == "" {
		if k.Trees == nil {
			return "", fmt.Errorf("%s: no tree id for %s", path, def.Ref)
		}
		tree, err := k.Trees.Tree(ctx, def.Repo, def.Ref)
		if err != nil {
			return "", fmt.Errorf("%s: %v", path, err)
		}
		def.Tree = tree
	}
	// Dependencies get identities even when this one is not hashed.
	factors, err := k.hashFactors(ctx, def)
	if err != nil {
		return "", err
	}
	digest := noBuildKey
	if hashing {
		data, err := jsonv2.Marshal(factors, jsonv2.Deterministic(true))
		if err != nil {
			return "", fmt.Errorf("%s: %v", path, err)
		}
		h := nix.NewHasher(nix.SHA256)
		h.Write(data)
		digest = h.SumHash().RawBase16()
	}
	def.Cache = def.Name + "." + digest
	k.keys = append(k.keys, def.Cache)

	built := k.Artifacts != nil && k.Artifacts.Has(def)
	if !built {
		k.Config.Counts.Tasks.Add(1)
	}
	switch def.Kind {
	case defs.KindChunk, "":
		k.Config.Counts.Chunks.Add(1)
	case defs.KindStratum:
		k.Config.Counts.Strata.Add(1)
	case defs.KindSystem:
		k.Config.Counts.Systems.Add(1)
	}
	mark := " "
	if built {
		mark = "x"
	}
	log.Infof(ctx, "Cache key [%s] %s", mark, def.Cache)
	return def.Cache, nil
}

// Keys returns the identities computed so far, in the order they were computed.
func (k *Keyer) Keys() []string {
	return k.keys
}

// hashFactors returns the build-relevant inputs of def.
// Dependencies contribute their own identities.
func (k *Keyer) hashFactors(ctx context.Context, def *defs.Definition) (map[string]any, error) {
	factors := map[string]any{
		"arch": k.Config.Arch.String(),
	}
	addDep := func(path string) error {
		key, err := k.Key(ctx, path)
		if err != nil {
			return err
		}
		factors[path] = key
		return nil
	}
	for _, dep := range def.BuildDepends {
		if err := addDep(dep); err != nil {
			return nil, err
		}
	}
	for _, c := range def.Contents {
		if err := addDep(c.Path); err != nil {
			return nil, err
		}
	}
	var addSystems func(systems []*defs.Deployment) error
	addSystems = func(systems []*defs.Deployment) error {
		for _, sys := range systems {
			if err := addDep(sys.Path); err != nil {
				return err
			}
			if err := addSystems(sys.Subsystems); err != nil {
				return err
			}
		}
		return nil
	}
	if err := addSystems(def.Systems); err != nil {
		return nil, err
	}

	if def.Tree != "" {
		factors["tree"] = def.Tree
	}
	for step, commands := range def.Commands {
		if len(commands) > 0 {
			factors[step] = commands
		}
	}
	if len(def.Devices) > 0 {
		factors["devices"] = def.Devices
	}
	return factors, nil
}
