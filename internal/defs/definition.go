// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package defs loads a tree of Baserock definition files
// into a normalized, merged graph of [Definition] records.
package defs

import (
	"maps"
	"path"
	"reflect"
	"slices"
	"strings"
)

// Kind is the type of buildable unit a [Definition] describes.
type Kind string

// Definition kinds, from smallest to largest.
const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
	KindCluster Kind = "cluster"
)

// Build modes.
const (
	BuildModeStaging   = "staging"
	BuildModeBootstrap = "bootstrap"
	BuildModeTest      = "test"
)

// Steps is the ordered list of build step names.
// Each step is a list of shell commands stored in [Definition.Commands].
var Steps = []string{
	"pre-configure-commands",
	"configure-commands",
	"post-configure-commands",
	"pre-build-commands",
	"build-commands",
	"post-build-commands",
	"pre-install-commands",
	"install-commands",
	"post-install-commands",
	"pre-strip-commands",
	"strip-commands",
	"post-strip-commands",
}

// Definition is the canonical record for one buildable unit.
//
// For list-valued fields, a nil slice means the field was not given
// while an empty non-nil slice means it was given as empty.
// The distinction matters when records for the same path are merged.
type Definition struct {
	// Path is the unique key of the definition:
	// its file path relative to the definitions directory
	// without a format suffix.
	Path string
	// Name is the display name. It defaults to the last element of Path.
	Name string
	Kind Kind

	Description  string
	Repo         string
	Ref          string
	UnpetrifyRef string
	SHA          string
	// Tree is the version-control tree id that Ref resolves to.
	Tree string
	// Cache is the cache identity assigned by cache-key computation.
	Cache string

	BuildSystem     string
	BuildMode       string
	MaxJobs         int
	Prefix          string
	Arch            string
	SourceDateEpoch string

	// Artifacts is the list of split artifacts requested
	// by the component that includes this definition.
	Artifacts []string
	Products  []Product
	// BuildDepends is the ordered list of paths that must be built
	// and installed before this definition can build.
	BuildDepends []string
	// Contents is the ordered list of components of a stratum or system.
	Contents []Content
	Devices  []Device
	// Systems is the list of systems a cluster deploys.
	Systems                 []*Deployment
	ConfigurationExtensions []string
	// Commands maps build step names (see [Steps]) to shell commands.
	Commands map[string][]string

	// Extra holds any fields that are not recognized.
	// The loader rejects definitions with a non-empty Extra.
	Extra map[string]any
}

// Content is a reference from a stratum or system to one of its components.
type Content struct {
	Path      string
	Artifacts []string
}

// Device is a device node to create in a system's filesystem.
type Device struct {
	Type        string `yaml:"type" json:"type"`
	Filename    string `yaml:"filename" json:"filename"`
	Major       uint32 `yaml:"major" json:"major"`
	Minor       uint32 `yaml:"minor" json:"minor"`
	Permissions string `yaml:"permissions" json:"permissions"`
	UID         int    `yaml:"uid" json:"uid"`
	GID         int    `yaml:"gid" json:"gid"`
}

// Product is a split rule that assigns files of a component to an artifact.
type Product struct {
	Artifact string   `yaml:"artifact" json:"artifact"`
	Include  []string `yaml:"include" json:"include"`
}

// Deployment is a system reference inside a cluster.
type Deployment struct {
	Path string
	Name string
	// Deploy maps deployment names to their parameters.
	// The "type" parameter names the write extension to run;
	// upper-case parameters are passed to extensions as environment variables.
	Deploy     map[string]map[string]string
	Subsystems []*Deployment
}

// IsBootstrap reports whether the definition builds with access to the host system.
func (d *Definition) IsBootstrap() bool {
	return d.BuildMode == BuildModeBootstrap
}

// ContentPaths returns the paths of d's contents in order.
func (d *Definition) ContentPaths() []string {
	paths := make([]string, 0, len(d.Contents))
	for _, c := range d.Contents {
		paths = append(paths, c.Path)
	}
	return paths
}

// Clone returns a deep copy of d.
func (d *Definition) Clone() *Definition {
	d2 := new(Definition)
	*d2 = *d
	d2.Artifacts = slices.Clone(d.Artifacts)
	d2.BuildDepends = slices.Clone(d.BuildDepends)
	d2.ConfigurationExtensions = slices.Clone(d.ConfigurationExtensions)
	d2.Devices = slices.Clone(d.Devices)
	if d.Contents != nil {
		d2.Contents = make([]Content, len(d.Contents))
		for i, c := range d.Contents {
			d2.Contents[i] = Content{Path: c.Path, Artifacts: slices.Clone(c.Artifacts)}
		}
	}
	if d.Products != nil {
		d2.Products = make([]Product, len(d.Products))
		for i, p := range d.Products {
			d2.Products[i] = Product{Artifact: p.Artifact, Include: slices.Clone(p.Include)}
		}
	}
	if d.Systems != nil {
		d2.Systems = make([]*Deployment, len(d.Systems))
		for i, sys := range d.Systems {
			d2.Systems[i] = sys.clone()
		}
	}
	if d.Commands != nil {
		d2.Commands = make(map[string][]string, len(d.Commands))
		for k, v := range d.Commands {
			d2.Commands[k] = slices.Clone(v)
		}
	}
	d2.Extra = maps.Clone(d.Extra)
	return d2
}

func (dep *Deployment) clone() *Deployment {
	dep2 := &Deployment{Path: dep.Path, Name: dep.Name}
	if dep.Deploy != nil {
		dep2.Deploy = make(map[string]map[string]string, len(dep.Deploy))
		for k, v := range dep.Deploy {
			dep2.Deploy[k] = maps.Clone(v)
		}
	}
	for _, sub := range dep.Subsystems {
		dep2.Subsystems = append(dep2.Subsystems, sub.clone())
	}
	return dep2
}

// A field describes how to read and write one known field of a [Definition]
// for the purposes of merging.
type field struct {
	name string
	// isSet reports whether the field was given.
	isSet func(d *Definition) bool
	// isEmpty reports whether the field has an empty value.
	isEmpty func(d *Definition) bool
	equal   func(a, b *Definition) bool
	assign  func(dst, src *Definition)
}

func stringField(name string, p func(d *Definition) *string) field {
	return field{
		name:    name,
		isSet:   func(d *Definition) bool { return *p(d) != "" },
		isEmpty: func(d *Definition) bool { return *p(d) == "" },
		equal:   func(a, b *Definition) bool { return *p(a) == *p(b) },
		assign:  func(dst, src *Definition) { *p(dst) = *p(src) },
	}
}

func listField[T any](name string, p func(d *Definition) *[]T) field {
	return field{
		name:    name,
		isSet:   func(d *Definition) bool { return *p(d) != nil },
		isEmpty: func(d *Definition) bool { return len(*p(d)) == 0 },
		equal: func(a, b *Definition) bool {
			return reflect.DeepEqual(*p(a), *p(b))
		},
		assign: func(dst, src *Definition) { *p(dst) = *p(src) },
	}
}

func commandField(step string) field {
	return field{
		name: step,
		isSet: func(d *Definition) bool {
			_, ok := d.Commands[step]
			return ok
		},
		isEmpty: func(d *Definition) bool { return len(d.Commands[step]) == 0 },
		equal: func(a, b *Definition) bool {
			return slices.Equal(a.Commands[step], b.Commands[step])
		},
		assign: func(dst, src *Definition) {
			if dst.Commands == nil {
				dst.Commands = make(map[string][]string)
			}
			dst.Commands[step] = src.Commands[step]
		},
	}
}

// mergeFields lists every known field except path and name,
// which the merger treats specially.
var mergeFields = func() []field {
	fields := []field{
		stringField("kind", func(d *Definition) *string { return (*string)(&d.Kind) }),
		stringField("description", func(d *Definition) *string { return &d.Description }),
		stringField("repo", func(d *Definition) *string { return &d.Repo }),
		stringField("ref", func(d *Definition) *string { return &d.Ref }),
		stringField("unpetrify-ref", func(d *Definition) *string { return &d.UnpetrifyRef }),
		stringField("sha", func(d *Definition) *string { return &d.SHA }),
		stringField("tree", func(d *Definition) *string { return &d.Tree }),
		stringField("cache", func(d *Definition) *string { return &d.Cache }),
		stringField("build-system", func(d *Definition) *string { return &d.BuildSystem }),
		stringField("build-mode", func(d *Definition) *string { return &d.BuildMode }),
		stringField("prefix", func(d *Definition) *string { return &d.Prefix }),
		stringField("arch", func(d *Definition) *string { return &d.Arch }),
		stringField("SOURCE_DATE_EPOCH", func(d *Definition) *string { return &d.SourceDateEpoch }),
		{
			name:    "max-jobs",
			isSet:   func(d *Definition) bool { return d.MaxJobs != 0 },
			isEmpty: func(d *Definition) bool { return d.MaxJobs == 0 },
			equal:   func(a, b *Definition) bool { return a.MaxJobs == b.MaxJobs },
			assign:  func(dst, src *Definition) { dst.MaxJobs = src.MaxJobs },
		},
		listField("artifacts", func(d *Definition) *[]string { return &d.Artifacts }),
		listField("products", func(d *Definition) *[]Product { return &d.Products }),
		listField("build-depends", func(d *Definition) *[]string { return &d.BuildDepends }),
		listField("contents", func(d *Definition) *[]Content { return &d.Contents }),
		listField("devices", func(d *Definition) *[]Device { return &d.Devices }),
		listField("systems", func(d *Definition) *[]*Deployment { return &d.Systems }),
		listField("configuration-extensions", func(d *Definition) *[]string { return &d.ConfigurationExtensions }),
	}
	for _, step := range Steps {
		fields = append(fields, commandField(step))
	}
	return fields
}()

// isStep reports whether key names a build step.
func isStep(key string) bool {
	return slices.Contains(Steps, key)
}

// demorph strips definition format suffixes from a path.
// demorph(demorph(p)) == demorph(p).
func demorph(p string) string {
	for {
		switch {
		case strings.HasSuffix(p, ".morph"):
			p = strings.TrimSuffix(p, ".morph")
		case strings.HasSuffix(p, ".def"):
			p = strings.TrimSuffix(p, ".def")
		default:
			return p
		}
	}
}

// stem returns the final element of p without its extension.
func stem(p string) string {
	base := path.Base(p)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
