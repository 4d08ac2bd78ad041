// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/sandbox"
)

// Metadata is the record written to baserock/<name>.meta in every artifact.
// Its presence in a tree marks the artifact as installed.
type Metadata struct {
	Name  string    `json:"name"`
	Kind  defs.Kind `json:"kind"`
	Cache string    `json:"cache"`
	// Repo and Ref identify the source:
	// the component's repository for chunks,
	// the definitions directory and version for everything else.
	Repo     string          `json:"repo,omitempty"`
	Ref      string          `json:"ref,omitempty"`
	Products []ProductFiles  `json:"products,omitempty"`
	Contents []ContentRecord `json:"contents,omitempty"`
}

// ProductFiles lists the files that a split rule assigned to an artifact.
type ProductFiles struct {
	Artifact string   `json:"artifact"`
	Contents []string `json:"contents"`
}

// ContentRecord names a component assembled into a stratum or system.
type ContentRecord struct {
	Name  string `json:"name"`
	Cache string `json:"cache"`
}

// defaultChunkProducts are the split rules applied after a chunk's own.
// Artifact names starting with "-" are suffixes to the chunk name.
var defaultChunkProducts = []defs.Product{
	{Artifact: "-bins", Include: []string{`(usr/)?s?bin/.*`}},
	{Artifact: "-libs", Include: []string{
		`(usr/)?lib(32|64)?/lib[^/]*\.so(\.\d+)*`,
		`(usr/)?libexec/.*`,
	}},
	{Artifact: "-devel", Include: []string{
		`(usr/)?include/.*`,
		`(usr/)?lib(32|64)?/lib.*\.a`,
		`(usr/)?lib(32|64)?/lib.*\.la`,
		`(usr/)?(lib(32|64)?|share)/pkgconfig/.*\.pc`,
	}},
	{Artifact: "-doc", Include: []string{
		`(usr/)?share/doc/.*`,
		`(usr/)?share/man/.*`,
		`(usr/)?share/info/.*`,
	}},
	{Artifact: "-locale", Include: []string{
		`(usr/)?share/locale/.*`,
		`(usr/)?share/i18n/.*`,
		`(usr/)?share/zoneinfo/.*`,
	}},
	{Artifact: "-misc", Include: []string{`.*`}},
}

type splitRule struct {
	artifact string
	patterns []*regexp.Regexp
}

func (rule *splitRule) match(name string) bool {
	for _, re := range rule.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// compileRules returns def's split rules followed by the defaults.
// When an artifact is named more than once, the first rule wins.
func compileRules(def *defs.Definition) ([]splitRule, error) {
	var rules []splitRule
	seen := make(map[string]struct{})
	for _, p := range slices.Concat(def.Products, defaultChunkProducts) {
		name := p.Artifact
		if strings.HasPrefix(name, "-") {
			name = def.Name + name
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		rule := splitRule{artifact: name}
		for _, pattern := range p.Include {
			re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
			if err != nil {
				return nil, fmt.Errorf("%s: artifact %s: %v", def.Path, name, err)
			}
			rule.patterns = append(rule.patterns, re)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// splitFiles assigns every non-directory under root to the first rule that matches it.
// Products that receive no files are omitted.
func splitFiles(rules []splitRule, root string) ([]ProductFiles, error) {
	files := make([][]string, len(rules))
	err := filepath.WalkDir(root, func(path string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ent.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for i := range rules {
			if rules[i].match(rel) {
				files[i] = append(files[i], rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var products []ProductFiles
	for i, rule := range rules {
		if len(files[i]) == 0 {
			continue
		}
		slices.Sort(files[i])
		products = append(products, ProductFiles{Artifact: rule.artifact, Contents: files[i]})
	}
	return products, nil
}

func writeChunkMetadata(sb *sandbox.Sandbox) error {
	def := sb.Def
	rules, err := compileRules(def)
	if err != nil {
		return err
	}
	products, err := splitFiles(rules, sb.InstallDir)
	if err != nil {
		return fmt.Errorf("%s: split: %v", def.Path, err)
	}
	return writeMetadata(sb, &Metadata{
		Name:     def.Name,
		Kind:     defs.KindChunk,
		Cache:    def.Cache,
		Repo:     def.Repo,
		Ref:      def.Ref,
		Products: products,
	})
}

func writeAssemblyMetadata(cfg *app.Config, sb *sandbox.Sandbox, items []*defs.Definition) error {
	def := sb.Def
	md := &Metadata{
		Name:  def.Name,
		Kind:  def.Kind,
		Cache: def.Cache,
		Repo:  cfg.DefDir,
		Ref:   cfg.DefVersion,
	}
	for _, item := range items {
		md.Contents = append(md.Contents, ContentRecord{Name: item.Name, Cache: item.Cache})
	}
	return writeMetadata(sb, md)
}

func writeMetadata(sb *sandbox.Sandbox, md *Metadata) error {
	data, err := jsonv2.Marshal(md, jsonv2.Deterministic(true), jsontext.Multiline(true))
	if err != nil {
		return fmt.Errorf("%s: write metadata: %v", sb.Def.Path, err)
	}
	data = append(data, '\n')
	dst := sandbox.MetadataPath(sb.InstallDir, sb.Def)
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return fmt.Errorf("%s: write metadata: %v", sb.Def.Path, err)
	}
	if err := os.WriteFile(dst, data, 0o666); err != nil {
		return fmt.Errorf("%s: write metadata: %v", sb.Def.Path, err)
	}
	return nil
}

// ReadMetadata reads the metadata for def from the tree rooted at root.
func ReadMetadata(root string, def *defs.Definition) (*Metadata, error) {
	data, err := os.ReadFile(sandbox.MetadataPath(root, def))
	if err != nil {
		return nil, err
	}
	md := new(Metadata)
	if err := jsonv2.Unmarshal(data, md); err != nil {
		return nil, fmt.Errorf("read metadata for %s: %v", def.Name, err)
	}
	return md, nil
}
