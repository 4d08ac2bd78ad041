// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"fmt"
	"io"
	"strconv"

	"github.com/leeming/ybd/internal/xmaps"
	"gopkg.in/yaml.v3"
)

// SnapshotFilename is the name of the file
// that [Store.WriteSnapshot] output is saved to in the definitions directory.
const SnapshotFilename = "definitions.yml"

// WriteSnapshot writes every definition in the store to w as a YAML mapping
// from path to definition, sorted by path.
// The output never uses anchors or aliases.
func (s *Store) WriteSnapshot(w io.Writer) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, d := range s.All() {
		node, err := d.node()
		if err != nil {
			return fmt.Errorf("write snapshot: %s: %v", d.Path, err)
		}
		root.Content = append(root.Content, scalarNode(d.Path), node)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("write snapshot: %v", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("write snapshot: %v", err)
	}
	return nil
}

// MarshalYAML returns d as a mapping using the definition file field names.
func (d *Definition) MarshalYAML() (any, error) {
	return d.node()
}

func (d *Definition) node() (*yaml.Node, error) {
	m := &mappingBuilder{node: &yaml.Node{Kind: yaml.MappingNode}}
	m.str("path", d.Path)
	m.str("name", d.Name)
	m.str("kind", string(d.Kind))
	m.str("description", d.Description)
	m.str("repo", d.Repo)
	m.str("ref", d.Ref)
	m.str("unpetrify-ref", d.UnpetrifyRef)
	m.str("sha", d.SHA)
	m.str("tree", d.Tree)
	m.str("cache", d.Cache)
	m.str("build-system", d.BuildSystem)
	m.str("build-mode", d.BuildMode)
	if d.MaxJobs != 0 {
		m.add("max-jobs", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(d.MaxJobs)})
	}
	m.str("prefix", d.Prefix)
	m.str("arch", d.Arch)
	m.str("SOURCE_DATE_EPOCH", d.SourceDateEpoch)
	if d.Artifacts != nil {
		m.value("artifacts", d.Artifacts)
	}
	if d.Products != nil {
		m.value("products", d.Products)
	}
	if d.BuildDepends != nil {
		m.value("build-depends", d.BuildDepends)
	}
	if d.Contents != nil {
		contents := &yaml.Node{Kind: yaml.SequenceNode}
		for _, c := range d.Contents {
			artifacts := new(yaml.Node)
			if err := artifacts.Encode(orEmpty(c.Artifacts)); err != nil {
				return nil, err
			}
			contents.Content = append(contents.Content, &yaml.Node{
				Kind:    yaml.MappingNode,
				Content: []*yaml.Node{scalarNode(c.Path), artifacts},
			})
		}
		m.add("contents", contents)
	}
	if d.Devices != nil {
		m.value("devices", d.Devices)
	}
	if d.Systems != nil {
		systems := &yaml.Node{Kind: yaml.SequenceNode}
		for _, sys := range d.Systems {
			n, err := sys.node()
			if err != nil {
				return nil, err
			}
			systems.Content = append(systems.Content, n)
		}
		m.add("systems", systems)
	}
	if d.ConfigurationExtensions != nil {
		m.value("configuration-extensions", d.ConfigurationExtensions)
	}
	for _, step := range Steps {
		if cmds, ok := d.Commands[step]; ok {
			m.value(step, orEmpty(cmds))
		}
	}
	for k, v := range xmaps.Sorted(d.Extra) {
		m.value(k, v)
	}
	return m.node, m.err
}

func (dep *Deployment) node() (*yaml.Node, error) {
	m := &mappingBuilder{node: &yaml.Node{Kind: yaml.MappingNode}}
	m.str("path", dep.Path)
	m.str("name", dep.Name)
	if dep.Deploy != nil {
		m.value("deploy", dep.Deploy)
	}
	if dep.Subsystems != nil {
		subs := &yaml.Node{Kind: yaml.SequenceNode}
		for _, sub := range dep.Subsystems {
			n, err := sub.node()
			if err != nil {
				return nil, err
			}
			subs.Content = append(subs.Content, n)
		}
		m.add("subsystems", subs)
	}
	return m.node, m.err
}

// mappingBuilder appends key/value pairs to a mapping node.
// The first encoding error is kept in err.
type mappingBuilder struct {
	node *yaml.Node
	err  error
}

func (m *mappingBuilder) add(key string, value *yaml.Node) {
	m.node.Content = append(m.node.Content, scalarNode(key), value)
}

func (m *mappingBuilder) str(key, value string) {
	if value != "" {
		m.add(key, scalarNode(value))
	}
}

func (m *mappingBuilder) value(key string, v any) {
	if m.err != nil {
		return
	}
	n := new(yaml.Node)
	if err := n.Encode(v); err != nil {
		m.err = fmt.Errorf("%s: %v", key, err)
		return
	}
	m.add(key, n)
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
