// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/leeming/ybd/internal/xmaps"
	"gopkg.in/yaml.v3"
	"zombiezen.com/go/log"
)

// TreesFilename is the name of the tree cache file in the artifacts directory.
const TreesFilename = ".trees"

// treeEntry is one value in the tree cache file:
// a [ref, tree, cache] triple.
type treeEntry [3]string

func (e *treeEntry) UnmarshalYAML(node *yaml.Node) error {
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	if len(list) < 2 || len(list) > 3 {
		return fmt.Errorf("line %d: tree entry must have 3 elements", node.Line)
	}
	copy(e[:], list)
	return nil
}

// LoadTrees fills in the tree of every definition whose ref
// matches its entry in the tree cache file at path.
// A missing file is not an error.
// A malformed file is reported as a warning and otherwise ignored.
// LoadTrees returns the number of definitions updated.
func (s *Store) LoadTrees(ctx context.Context, path string) int {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf(ctx, "No tree cache at %s", path)
		return 0
	}
	var trees map[string]treeEntry
	if err == nil {
		err = yaml.Unmarshal(data, &trees)
	}
	if err != nil {
		log.Warnf(ctx, "Problem with %s file: %v", TreesFilename, err)
		return 0
	}
	count := 0
	for p, entry := range trees {
		d := s.defs[p]
		if d == nil || d.Ref == "" || d.Ref != entry[0] {
			continue
		}
		d.Tree = entry[1]
		count++
	}
	log.Infof(ctx, "Re-used %d entries from %s file", count, TreesFilename)
	return count
}

// SaveTrees writes the tree cache file at path.
// Existing entries in the file are kept
// unless a definition in the store replaces them.
// Only definitions with a resolved tree and a full-length ref are saved.
func (s *Store) SaveTrees(ctx context.Context, path string) error {
	trees := make(map[string][]string)
	if data, err := os.ReadFile(path); err == nil {
		var old map[string]treeEntry
		if yaml.Unmarshal(data, &old) == nil {
			for p, entry := range old {
				trees[p] = entry[:]
			}
		}
	}
	for _, d := range s.All() {
		if d.Tree == "" || len(d.Ref) != 40 {
			continue
		}
		trees[d.Path] = []string{d.Ref, d.Tree, d.Cache}
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	for p, entry := range xmaps.Sorted(trees) {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range entry {
			seq.Content = append(seq.Content, scalarNode(v))
		}
		root.Content = append(root.Content, scalarNode(p), seq)
	}
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("save trees: %v", err)
	}
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("save trees: %v", err)
	}
	log.Debugf(ctx, "Trees saved to %s", path)
	return nil
}
