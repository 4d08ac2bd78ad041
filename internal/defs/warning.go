// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package defs

import (
	"context"
	"fmt"

	"zombiezen.com/go/log"
)

// WarningKind classifies a [Warning].
type WarningKind int

// Warning kinds.
const (
	// NotMapping is reported for a definition file whose document is not a mapping.
	NotMapping WarningKind = 1 + iota
	// MissingFile is reported for a morph reference to a file that does not exist.
	MissingFile
	// ShadowedFile is reported when a component defined inline
	// has the same path as a definition file that nothing references.
	ShadowedFile
	// WrongName is reported when a definition's name and path share no common stem.
	WrongName
	// SelfReference is reported when a component has the same name as its parent.
	SelfReference
	// NameReuse is reported when two records for the same path use different names.
	NameReuse
	// FieldConflict is reported when two records for the same path
	// give different values for a field.
	FieldConflict
)

func (k WarningKind) String() string {
	switch k {
	case NotMapping:
		return "not a mapping"
	case MissingFile:
		return "missing file"
	case ShadowedFile:
		return "shadowed file"
	case WrongName:
		return "wrong name"
	case SelfReference:
		return "self reference"
	case NameReuse:
		return "name reuse"
	case FieldConflict:
		return "field conflict"
	default:
		return fmt.Sprintf("WarningKind(%d)", int(k))
	}
}

// Warning is a structural problem found in the definitions.
// Warnings are errors when strict checking is enabled,
// except for [NameReuse] and [FieldConflict] which are never fatal.
type Warning struct {
	Kind WarningKind
	// Path is the definition path or file the warning is about.
	Path    string
	Message string
}

func (w *Warning) Error() string {
	return w.Path + ": " + w.Message
}

// fatalIfStrict reports whether w stops loading under strict checking.
func (w *Warning) fatalIfStrict() bool {
	return w.Kind != NameReuse && w.Kind != FieldConflict
}

// warnings accumulates [Warning] values and applies the strictness policy.
type warnings struct {
	strict bool
	list   []*Warning
}

// add logs w and records it.
// It returns w as an error if w is fatal under the current policy.
func (ws *warnings) add(ctx context.Context, kind WarningKind, path string, format string, args ...any) error {
	w := &Warning{
		Kind:    kind,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}
	ws.list = append(ws.list, w)
	if ws.strict && w.fatalIfStrict() {
		return w
	}
	log.Warnf(ctx, "%v", w)
	return nil
}
