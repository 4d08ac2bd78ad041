// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/leeming/ybd/internal/xmaps"
)

// Store is the set of resolved definitions, keyed by path.
// Records are owned by the store:
// callers must not modify a record obtained from [Store.Get]
// except through the store's methods
// or after loading has finished (as the cache keyer does).
type Store struct {
	defs     map[string]*Definition
	warnings warnings
}

// NewStore returns an empty store.
// If strict is true, structural warnings reported while inserting
// are returned as errors.
func NewStore(strict bool) *Store {
	return &Store{
		defs:     make(map[string]*Definition),
		warnings: warnings{strict: strict},
	}
}

// Len returns the number of definitions in the store.
func (s *Store) Len() int {
	return len(s.defs)
}

// Get returns the definition with the given path.
func (s *Store) Get(path string) (*Definition, bool) {
	d, ok := s.defs[path]
	return d, ok
}

// All returns the definitions in the store sorted by path.
func (s *Store) All() []*Definition {
	list := make([]*Definition, 0, len(s.defs))
	for _, path := range xmaps.SortedKeys(s.defs) {
		list = append(list, s.defs[path])
	}
	return list
}

// Warnings returns the warnings reported so far.
func (s *Store) Warnings() []*Warning {
	return slices.Clone(s.warnings.list)
}

// Insert adds def to the store and returns its path.
//
// If no definition with the same path exists, def is stored as-is.
// Otherwise the two are reconciled into the stored record:
// if both carry a ref, they are distinct pinned versions
// and def replaces the stored fields wholesale;
// otherwise every field given in def overwrites the stored value.
// A field given with different non-empty values in both
// is reported as a [FieldConflict] warning, and the new value wins.
// If the names differ, the new name wins with a [NameReuse] warning.
func (s *Store) Insert(ctx context.Context, def *Definition) (string, error) {
	if def.Path == "" {
		return "", fmt.Errorf("insert definition %q: no path", def.Name)
	}
	existing := s.defs[def.Path]
	if existing == nil {
		s.defs[def.Path] = def
		return def.Path, nil
	}

	for _, f := range mergeFields {
		if f.isSet(def) && !f.isEmpty(existing) && !f.isEmpty(def) && !f.equal(existing, def) {
			s.warnings.add(ctx, FieldConflict, def.Path, "multiple definitions of %s", f.name)
		}
	}
	for _, k := range xmaps.SortedKeys(def.Extra) {
		if old, ok := existing.Extra[k]; ok && !reflect.DeepEqual(old, def.Extra[k]) {
			s.warnings.add(ctx, FieldConflict, def.Path, "multiple definitions of %s", k)
		}
	}

	oldName := existing.Name
	if existing.Ref != "" && def.Ref != "" {
		*existing = *def.Clone()
		existing.Name = oldName
	} else {
		for _, f := range mergeFields {
			if f.isSet(def) {
				f.assign(existing, def)
			}
		}
		for k, v := range def.Extra {
			if existing.Extra == nil {
				existing.Extra = make(map[string]any)
			}
			existing.Extra[k] = v
		}
	}

	if def.Name != "" && oldName != def.Name {
		s.warnings.add(ctx, NameReuse, def.Path, "%s also named as %s", def.Name, oldName)
		existing.Name = def.Name
	}
	return def.Path, nil
}

// ErrNotFound is returned by [Store.Resolve] when no definition matches.
var ErrNotFound = errors.New("definition not found")

// Resolve finds the definition that a build target refers to.
// The target may be a path, a path with a format suffix,
// or the name of exactly one definition.
func (s *Store) Resolve(target string) (*Definition, error) {
	if d := s.defs[demorph(strings.TrimPrefix(target, "./"))]; d != nil {
		return d, nil
	}
	var found *Definition
	for _, d := range s.All() {
		if d.Name != target {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("target %s: ambiguous between %s and %s", target, found.Path, d.Path)
		}
		found = d
	}
	if found == nil {
		return nil, fmt.Errorf("target %s: %w", target, ErrNotFound)
	}
	return found, nil
}
