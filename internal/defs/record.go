// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Record is a definition as written in a definition file,
// before normalization.
type Record struct {
	Definition

	// Morph is a reference to another definition file,
	// relative to the definitions directory.
	Morph string

	// Chunks and Strata are the raw component lists of strata and systems.
	Chunks []*Record
	Strata []*Record
	// RawContents is a component list given directly as "contents".
	RawContents []*Record
	// RawDepends is the raw build-depends list.
	// Entries are either short names (only Name set) or nested records.
	RawDepends []*Record
	// RawSystems is the raw systems list of a cluster.
	RawSystems []*Record

	// Deploy and Subsystems are only meaningful inside a cluster's systems list.
	Deploy     map[string]map[string]string
	Subsystems []*Record
}

// UnmarshalYAML decodes a definition mapping.
// Unrecognized keys are kept in [Definition.Extra].
func (r *Record) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!str" {
		// Short form used in build-depends: a bare component name.
		r.Name = node.Value
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: definition must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		if err := r.decodeField(key, value); err != nil {
			return fmt.Errorf("line %d: %s: %v", value.Line, key, err)
		}
	}
	return nil
}

func (r *Record) decodeField(key string, value *yaml.Node) error {
	if isStep(key) {
		var cmds []string
		if err := value.Decode(&cmds); err != nil {
			return err
		}
		if cmds == nil {
			cmds = []string{}
		}
		if r.Commands == nil {
			r.Commands = make(map[string][]string)
		}
		r.Commands[key] = cmds
		return nil
	}

	switch key {
	case "morph":
		return value.Decode(&r.Morph)
	case "path":
		return value.Decode(&r.Path)
	case "name":
		return value.Decode(&r.Name)
	case "kind":
		return value.Decode(&r.Kind)
	case "description":
		return value.Decode(&r.Description)
	case "repo":
		return value.Decode(&r.Repo)
	case "ref":
		return value.Decode(&r.Ref)
	case "unpetrify-ref":
		return value.Decode(&r.UnpetrifyRef)
	case "sha":
		return value.Decode(&r.SHA)
	case "tree":
		return value.Decode(&r.Tree)
	case "cache":
		return value.Decode(&r.Cache)
	case "build-system":
		return value.Decode(&r.BuildSystem)
	case "build-mode":
		return value.Decode(&r.BuildMode)
	case "max-jobs":
		return value.Decode(&r.MaxJobs)
	case "prefix":
		return value.Decode(&r.Prefix)
	case "arch":
		return value.Decode(&r.Arch)
	case "SOURCE_DATE_EPOCH":
		return value.Decode(&r.SourceDateEpoch)
	case "artifacts":
		return decodeList(value, &r.Artifacts)
	case "products":
		return decodeList(value, &r.Products)
	case "devices":
		return decodeList(value, &r.Devices)
	case "configuration-extensions":
		return decodeList(value, &r.ConfigurationExtensions)
	case "build-depends":
		return decodeList(value, &r.RawDepends)
	case "chunks":
		return decodeList(value, &r.Chunks)
	case "strata":
		return decodeList(value, &r.Strata)
	case "contents":
		return decodeList(value, &r.RawContents)
	case "systems":
		return decodeList(value, &r.RawSystems)
	case "subsystems":
		return decodeList(value, &r.Subsystems)
	case "deploy":
		return value.Decode(&r.Deploy)
	default:
		var v any
		if err := value.Decode(&v); err != nil {
			return err
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[key] = v
		return nil
	}
}

// decodeList decodes a sequence node into *dst.
// A null value decodes to an empty list so that the field still counts as given.
func decodeList[T any](value *yaml.Node, dst *[]T) error {
	switch value.Kind {
	case yaml.SequenceNode:
		list := make([]T, 0, len(value.Content))
		if err := value.Decode(&list); err != nil {
			return err
		}
		*dst = list
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*dst = []T{}
			return nil
		}
	}
	return fmt.Errorf("must be list")
}
