// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/leeming/ybd/internal/xmaps"
	"gopkg.in/yaml.v3"
	"zombiezen.com/go/log"
)

// Walk returns an iterator over the definition files under root
// in lexicographic order.
// Paths are slash-separated and relative to root.
// Version control directories are skipped.
func Walk(root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(root, func(p string, ent fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ent.IsDir() {
				if ent.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(p, ".morph") && !strings.HasSuffix(p, ".def") {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if !yield(filepath.ToSlash(rel), nil) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			yield("", err)
		}
	}
}

var errStopWalk = errors.New("stop walk")

// Options is the set of optional parameters to [Load].
type Options struct {
	// Strict makes structural warnings fatal.
	Strict bool
}

// Load reads every definition file under root
// and returns the resolved set of definitions.
func Load(ctx context.Context, root string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	l := &loader{
		root:  root,
		store: NewStore(opts.Strict),
	}
	for name, err := range Walk(root) {
		if err != nil {
			return nil, fmt.Errorf("load definitions: %v", err)
		}
		rec, err := l.readFile(ctx, name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		rec.Path = demorph(name)
		if err := l.fixKeys(ctx, rec, ""); err != nil {
			return nil, err
		}
		if _, err := l.tidyAndInsert(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := l.finish(); err != nil {
		return nil, err
	}
	log.Debugf(ctx, "Loaded %d definitions from %s", l.store.Len(), root)
	return l.store, nil
}

type loader struct {
	root  string
	store *Store
}

// readFile parses one definition file.
// It returns (nil, nil) if the file is skipped.
func (l *loader) readFile(ctx context.Context, name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("load definitions: %v", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse %s: %v", name, err)
	}
	node := &doc
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, l.store.warnings.add(ctx, NotMapping, name, "contents is not dict: %s", abbrev(string(data), 50))
	}
	rec := new(Record)
	if err := node.Decode(rec); err != nil {
		return nil, fmt.Errorf("could not parse %s: %v", name, err)
	}
	return rec, nil
}

// fixKeys assigns rec's path and name.
// base is the path of the definition that rec is nested in, if any.
func (l *loader) fixKeys(ctx context.Context, rec *Record, base string) error {
	if rec.Morph != "" {
		if !l.isFile(rec.Morph) {
			if err := l.store.warnings.add(ctx, MissingFile, rec.Morph, "missing"); err != nil {
				return err
			}
		}
		rec.Path = demorph(rec.Morph)
		rec.Morph = ""
	}
	if rec.Path == "" {
		if rec.Name == "" {
			return fmt.Errorf("definition in %s: no path, no name", orDefault(base, l.root))
		}
		rec.Path = path.Join(demorph(base), rec.Name)
		if l.isFile(rec.Path + ".morph") {
			err := l.store.warnings.add(ctx, ShadowedFile, rec.Path, "ignoring %s.morph", rec.Path)
			if err != nil {
				return err
			}
			rec.Path += ".default"
		}
	}
	rec.Path = demorph(rec.Path)
	if rec.Name == "" {
		rec.Name = path.Base(rec.Path)
	}

	n := demorph(path.Base(rec.Name))
	if !strings.Contains(n, stem(demorph(rec.Path))) {
		if err := l.store.warnings.add(ctx, WrongName, rec.Path, "wrong name %s", rec.Name); err != nil {
			return err
		}
	}

	for _, sys := range rec.RawSystems {
		if err := l.fixKeys(ctx, sys, ""); err != nil {
			return err
		}
	}
	for _, sys := range rec.Subsystems {
		if err := l.fixKeys(ctx, sys, ""); err != nil {
			return err
		}
	}
	return nil
}

// tidyAndInsert inserts the definitions that rec references or defines inline,
// then rec itself, and returns rec's path.
// rec must already have had its keys fixed.
func (l *loader) tidyAndInsert(ctx context.Context, rec *Record) (string, error) {
	def := rec.toDefinition()

	if rec.RawDepends != nil {
		def.BuildDepends = make([]string, 0, len(rec.RawDepends))
		for _, dep := range rec.RawDepends {
			if err := l.fixKeys(ctx, dep, ""); err != nil {
				return "", err
			}
			p, err := l.store.Insert(ctx, dep.toDefinition())
			if err != nil {
				return "", err
			}
			def.BuildDepends = append(def.BuildDepends, p)
		}
	}

	components := make([]*Record, 0, len(rec.RawContents)+len(rec.Chunks)+len(rec.Strata))
	components = append(components, rec.RawContents...)
	for _, c := range rec.Chunks {
		if c.Kind == "" {
			c.Kind = KindChunk
		}
		components = append(components, c)
	}
	for _, c := range rec.Strata {
		if c.Kind == "" {
			c.Kind = KindStratum
		}
		components = append(components, c)
	}
	if rec.RawContents != nil || rec.Chunks != nil || rec.Strata != nil {
		def.Contents = make([]Content, 0, len(components))
	}

	lookup := make(map[string]string)
	for _, c := range components {
		if err := l.fixKeys(ctx, c, def.Path); err != nil {
			return "", err
		}
		if c.Path == def.Path {
			return "", fmt.Errorf("%s: contains itself", def.Path)
		}
		lookup[c.Name] = c.Path
		if c.Name == def.Name {
			if err := l.store.warnings.add(ctx, SelfReference, def.Path, "contains %s", c.Name); err != nil {
				return "", err
			}
		}

		cdef := c.toDefinition()
		own := make([]string, 0, len(c.RawDepends))
		for _, dep := range c.RawDepends {
			if dep.Path != "" || dep.Morph != "" {
				// Nested records are referenced by their own path.
				if err := l.fixKeys(ctx, dep, ""); err != nil {
					return "", err
				}
				p, err := l.store.Insert(ctx, dep.toDefinition())
				if err != nil {
					return "", err
				}
				own = append(own, p)
				continue
			}
			p, ok := lookup[dep.Name]
			if !ok {
				placeholder := &Record{Definition: Definition{Name: dep.Name}}
				if err := l.fixKeys(ctx, placeholder, def.Path); err != nil {
					return "", err
				}
				p = placeholder.Path
				lookup[dep.Name] = p
				if _, exists := l.store.Get(p); !exists {
					if _, err := l.store.Insert(ctx, placeholder.toDefinition()); err != nil {
						return "", err
					}
				}
			}
			own = append(own, p)
		}
		if c.RawDepends != nil || len(def.BuildDepends) > 0 {
			cdef.BuildDepends = unionPaths(def.BuildDepends, own)
		}

		p, err := l.store.Insert(ctx, cdef)
		if err != nil {
			return "", err
		}
		def.Contents = append(def.Contents, Content{Path: p, Artifacts: c.Artifacts})
	}

	if def.Kind == "" {
		switch {
		case rec.Strata != nil:
			def.Kind = KindSystem
		case rec.Chunks != nil:
			def.Kind = KindStratum
		case rec.RawSystems != nil:
			def.Kind = KindCluster
		}
	}
	return l.store.Insert(ctx, def)
}

// finish checks the store after every file has been inserted.
func (l *loader) finish() error {
	for _, d := range l.store.All() {
		if len(d.Extra) > 0 {
			return fmt.Errorf("invalid field %q in %s", xmaps.SortedKeys(d.Extra)[0], d.Path)
		}
		if d.Kind == "" {
			d.Kind = KindChunk
		}
	}
	for _, d := range l.store.All() {
		for _, p := range slices.Concat(d.BuildDepends, d.ContentPaths()) {
			if _, ok := l.store.Get(p); !ok {
				return fmt.Errorf("%s: reference to unknown definition %s", d.Path, p)
			}
		}
	}
	return nil
}

func (l *loader) isFile(name string) bool {
	info, err := os.Stat(filepath.Join(l.root, filepath.FromSlash(name)))
	return err == nil && info.Mode().IsRegular()
}

// toDefinition converts the normalized scalar fields of r to a new [Definition].
// List fields that require normalization are left for the caller.
func (r *Record) toDefinition() *Definition {
	def := r.Definition.Clone()
	def.BuildDepends = nil
	def.Contents = nil
	if r.RawSystems != nil {
		def.Systems = make([]*Deployment, 0, len(r.RawSystems))
		for _, sys := range r.RawSystems {
			def.Systems = append(def.Systems, sys.toDeployment())
		}
	}
	if r.Deploy != nil {
		def.setExtra("deploy", r.Deploy)
	}
	if r.Subsystems != nil {
		def.setExtra("subsystems", r.Subsystems)
	}
	return def
}

func (r *Record) toDeployment() *Deployment {
	dep := &Deployment{
		Path:   r.Path,
		Name:   r.Name,
		Deploy: r.Deploy,
	}
	for _, sub := range r.Subsystems {
		dep.Subsystems = append(dep.Subsystems, sub.toDeployment())
	}
	return dep
}

func (d *Definition) setExtra(key string, value any) {
	if d.Extra == nil {
		d.Extra = make(map[string]any)
	}
	d.Extra[key] = value
}

// unionPaths returns the concatenation of lists with duplicates removed.
// The first occurrence of a path determines its position.
func unionPaths(lists ...[]string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, p := range list {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			result = append(result, p)
		}
	}
	if result == nil {
		result = []string{}
	}
	return result
}

func abbrev(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	if s == "" {
		return "None"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
