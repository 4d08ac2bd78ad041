// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package sandbox provides disposable build directories
// and runs build commands inside them.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/osutil"
	"github.com/leeming/ybd/internal/xmaps"
	"zombiezen.com/go/log"
)

// dirPrefix is the prefix of sandbox directory names inside the tmp directory.
const dirPrefix = "sandbox-"

// Artifacts is the source of built dependencies.
type Artifacts interface {
	// Get returns the directory holding the unpacked artifact for def.
	// ok is false if the artifact has not been built.
	Get(ctx context.Context, def *defs.Definition) (dir string, ok bool, err error)
}

// Manager allocates sandboxes.
// It is safe to call methods on a Manager from multiple goroutines.
type Manager struct {
	Config    *app.Config
	Artifacts Artifacts
	// Executor runs sandboxed commands.
	// If nil, [DefaultExecutor] is used.
	Executor Executor

	mu     sync.Mutex
	active map[string]*Sandbox
}

// Sandbox is a private directory tree for building one definition.
// A Sandbox must only be used by one goroutine at a time.
type Sandbox struct {
	Def *defs.Definition
	// Root is the top of the sandbox.
	// In normal build mode, it becomes the filesystem root for commands.
	Root string
	// Checkout is where source code is checked out and built.
	Checkout string
	// InstallDir is where build commands install files (DESTDIR).
	InstallDir string
	// Tmp is the sandbox's temporary directory.
	Tmp string
	// BaserockDir is where metadata about the installed artifact is written.
	BaserockDir string
	// Log is the path of the build log.
	// Unlike the sandbox, the log outlives the build.
	Log string

	manager *Manager
}

// Setup allocates a new sandbox for def.
// def must have a cache identity.
func (m *Manager) Setup(ctx context.Context, def *defs.Definition) (_ *Sandbox, err error) {
	if def.Cache == "" {
		return nil, fmt.Errorf("set up sandbox for %s: no cache key", def.Path)
	}
	if err := os.MkdirAll(m.Config.TmpDir, 0o777); err != nil {
		return nil, fmt.Errorf("set up sandbox for %s: %v", def.Path, err)
	}
	root, err := os.MkdirTemp(m.Config.TmpDir, dirPrefix+sanitize(def.Name)+"-*")
	if err != nil {
		return nil, fmt.Errorf("set up sandbox for %s: %v", def.Path, err)
	}
	sb := &Sandbox{
		Def:        def,
		Root:       root,
		Checkout:   filepath.Join(root, def.Name+".build"),
		InstallDir: filepath.Join(root, def.Name+".inst"),
		Tmp:        filepath.Join(root, "tmp"),
		Log:        filepath.Join(m.Config.ArtifactDir, def.Cache+".build-log"+m.Config.ForkSuffix()),
		manager:    m,
	}
	sb.BaserockDir = filepath.Join(sb.InstallDir, "baserock")
	defer func() {
		if err != nil {
			os.RemoveAll(root)
		}
	}()
	for _, dir := range []string{sb.Checkout, sb.InstallDir, sb.BaserockDir, filepath.Join(root, "dev")} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("set up sandbox for %s: %v", def.Path, err)
		}
	}
	if err := osutil.MkdirPerm(sb.Tmp, 0o777|os.ModeSticky); err != nil {
		return nil, fmt.Errorf("set up sandbox for %s: %v", def.Path, err)
	}
	if err := os.MkdirAll(m.Config.ArtifactDir, 0o777); err != nil {
		return nil, fmt.Errorf("set up sandbox for %s: %v", def.Path, err)
	}

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]*Sandbox)
	}
	m.active[root] = sb
	m.mu.Unlock()
	log.Debugf(ctx, "Sandbox for %s is at %s", def.Name, root)
	return sb, nil
}

// Active returns the roots of the sandboxes that have been set up
// but not yet removed.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return xmaps.SortedKeys(m.active)
}

// With sets up a sandbox for def, calls f with it,
// and removes the sandbox when f returns, whatever f returns.
// If f panics, the sandbox is left on disk for inspection
// and With returns a [*DebrisError] naming it.
func (m *Manager) With(ctx context.Context, def *defs.Definition, f func(sb *Sandbox) error) (err error) {
	sb, err := m.Setup(ctx, def)
	if err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			log.Errorf(ctx, "%s: surprise failure in sandbox: %v\n%s", def.Name, v, debug.Stack())
			m.forget(sb)
			err = &DebrisError{Path: def.Path, Dir: sb.Root, Value: v}
			return
		}
		if rmErr := sb.remove(ctx); rmErr != nil && err == nil {
			err = rmErr
		}
	}()
	return f(sb)
}

// Cleanup removes sandboxes left in the tmp directory by earlier runs.
// It must only be called while no other instance is running.
func (m *Manager) Cleanup(ctx context.Context) error {
	entries, err := os.ReadDir(m.Config.TmpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clean up sandboxes: %v", err)
	}
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	for _, ent := range entries {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), dirPrefix) {
			continue
		}
		dir := filepath.Join(m.Config.TmpDir, ent.Name())
		if _, inUse := active[dir]; inUse {
			continue
		}
		log.Infof(ctx, "Removing stale sandbox %s", dir)
		if err := osutil.UnmountAndRemoveAll(dir); err != nil {
			return fmt.Errorf("clean up sandboxes: %v", err)
		}
	}
	return nil
}

func (m *Manager) forget(sb *Sandbox) {
	m.mu.Lock()
	delete(m.active, sb.Root)
	m.mu.Unlock()
}

func (sb *Sandbox) remove(ctx context.Context) error {
	log.Debugf(ctx, "Removing sandbox dir %s", sb.Root)
	sb.manager.forget(sb)
	if err := osutil.UnmountAndRemoveAll(sb.Root); err != nil {
		return fmt.Errorf("remove sandbox for %s: %v", sb.Def.Path, err)
	}
	return nil
}

// Install populates the sandbox root with the artifact for dep,
// unless it is already present.
// The files are copied when building a system
// and hard-linked otherwise.
func (sb *Sandbox) Install(ctx context.Context, dep *defs.Definition) error {
	return sb.install(ctx, dep, sb.Root)
}

// Stage populates the sandbox's install directory with the artifact for dep,
// so that it becomes part of the sandbox's own artifact.
func (sb *Sandbox) Stage(ctx context.Context, dep *defs.Definition) error {
	return sb.install(ctx, dep, sb.InstallDir)
}

func (sb *Sandbox) install(ctx context.Context, dep *defs.Definition, dst string) error {
	if IsInstalled(dst, dep) {
		return nil
	}
	log.Debugf(ctx, "%s: Sandbox: installing %s", sb.Def.Name, dep.Cache)
	dir, ok, err := sb.manager.Artifacts.Get(ctx, dep)
	if err != nil {
		return fmt.Errorf("%s: install %s: %v", sb.Def.Path, dep.Path, err)
	}
	if !ok {
		return fmt.Errorf("%s: unable to get cache for %s", sb.Def.Path, dep.Name)
	}
	if sb.Def.Kind == defs.KindSystem {
		err = osutil.CopyAll(dir, dst)
	} else {
		err = osutil.HardlinkAll(dir, dst)
	}
	if err != nil {
		return fmt.Errorf("%s: install %s: %v", sb.Def.Path, dep.Path, err)
	}
	return nil
}

// IsInstalled reports whether the artifact for def
// has been installed into the directory tree rooted at root.
func IsInstalled(root string, def *defs.Definition) bool {
	_, err := os.Lstat(MetadataPath(root, def))
	return err == nil
}

// MetadataPath returns the path of def's artifact metadata file
// in a tree rooted at root.
func MetadataPath(root string, def *defs.Definition) string {
	return filepath.Join(root, "baserock", def.Name+".meta")
}

// ListFiles logs the contents of the sandbox root and its baserock directory.
func (sb *Sandbox) ListFiles(ctx context.Context) {
	names := func(dir string) ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		list := make([]string, 0, len(entries))
		for _, ent := range entries {
			list = append(list, ent.Name())
		}
		slices.Sort(list)
		return list, nil
	}
	top, err := names(sb.Root)
	if err != nil {
		log.Warnf(ctx, "%s: %v", sb.Def.Name, err)
		return
	}
	log.Infof(ctx, "%s: Sandbox %s contains %v", sb.Def.Name, sb.Root, top)
	files, err := names(filepath.Join(sb.Root, "baserock"))
	if err != nil {
		log.Infof(ctx, "%s: No baserock directory in %s", sb.Def.Name, sb.Root)
		return
	}
	log.Infof(ctx, "%s: Baserock directory contains %d items %v", sb.Def.Name, len(files), files)
}

// DebrisError is returned by [Manager.With]
// when the build panicked and the sandbox was left on disk.
type DebrisError struct {
	// Path is the definition being built.
	Path string
	// Dir is the sandbox directory.
	Dir string
	// Value is the value passed to panic.
	Value any
}

func (e *DebrisError) Error() string {
	return fmt.Sprintf("%s: surprise failure in sandbox (%v); sandbox debris is at %s", e.Path, e.Value, e.Dir)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}
