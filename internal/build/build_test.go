// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/cache"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/osutil"
	"github.com/leeming/ybd/internal/sandbox"
	"github.com/leeming/ybd/internal/testcontext"
)

// memArtifacts is an artifact store that keeps artifacts as plain directories.
type memArtifacts struct {
	dir string

	mu sync.Mutex
	// built maps cache identities to artifact directories.
	built map[string]string
	// puts is the paths of the definitions stored, in order.
	puts []string
	// busy is the number of times Lock reports contention for a cache identity.
	busy map[string]int
}

func newMemArtifacts(t *testing.T) *memArtifacts {
	return &memArtifacts{
		dir:   t.TempDir(),
		built: make(map[string]string),
		busy:  make(map[string]int),
	}
}

func (m *memArtifacts) Has(def *defs.Definition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.built[def.Cache]
	return ok
}

func (m *memArtifacts) Get(ctx context.Context, def *defs.Definition) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.built[def.Cache]
	return dir, ok, nil
}

func (m *memArtifacts) Put(ctx context.Context, def *defs.Definition, dir string, buildID uuid.UUID) error {
	dst := filepath.Join(m.dir, def.Cache)
	if err := osutil.CopyAll(dir, dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.built[def.Cache] = dst
	m.puts = append(m.puts, def.Path)
	return nil
}

func (m *memArtifacts) Lock(ctx context.Context, cacheID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[cacheID] > 0 {
		m.busy[cacheID]--
		return nil, fmt.Errorf("lock %s: %w", cacheID, cache.ErrLocked)
	}
	return func() {}, nil
}

// fakeExecutor interprets a tiny command language instead of running a shell:
//
//	touch-install PATH   creates PATH under $DESTDIR
//	check-exists PATH    fails unless PATH exists in the sandbox
//	false                fails
//
// Everything else succeeds without effect.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	// envs maps each command to the environment it last ran with.
	envs map[string][]string
}

func (e *fakeExecutor) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{}
}

func (e *fakeExecutor) Run(ctx context.Context, cmd *sandbox.Command) (int, error) {
	script := cmd.Argv[len(cmd.Argv)-1]
	e.mu.Lock()
	e.commands = append(e.commands, script)
	if e.envs == nil {
		e.envs = make(map[string][]string)
	}
	e.envs[script] = cmd.Env
	e.mu.Unlock()

	var destDir string
	for _, kv := range cmd.Env {
		if v, ok := strings.CutPrefix(kv, "DESTDIR="); ok {
			destDir = v
		}
	}
	verb, arg, _ := strings.Cut(script, " ")
	switch verb {
	case "touch-install":
		dst := filepath.Join(cmd.Root, filepath.FromSlash(destDir), filepath.FromSlash(arg))
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
			return -1, err
		}
		if err := os.WriteFile(dst, []byte(arg+"\n"), 0o666); err != nil {
			return -1, err
		}
	case "check-exists":
		if _, err := os.Stat(filepath.Join(cmd.Root, filepath.FromSlash(arg))); err != nil {
			fmt.Fprintln(cmd.Output, err)
			return 1, nil
		}
	case "false":
		fmt.Fprintln(cmd.Output, "failing on purpose")
		return 1, nil
	}
	return 0, nil
}

// envOf returns the environment that script last ran with.
func (e *fakeExecutor) envOf(script string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.envs[script]
}

func (e *fakeExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// fakeSource checks out the same files for every repository.
type fakeSource map[string]string

func (fs fakeSource) Checkout(ctx context.Context, repo, ref, dir string) error {
	for name, content := range fs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o666); err != nil {
			return err
		}
	}
	return nil
}

type testBuilder struct {
	*Builder
	artifacts *memArtifacts
	executor  *fakeExecutor
}

func newTestBuilder(t *testing.T, defList ...*defs.Definition) *testBuilder {
	t.Helper()
	ctx := testcontext.New(t)
	cfg := app.Default()
	cfg.Arch = "x86_64"
	cfg.SetBase(t.TempDir())
	cfg.DefDir = t.TempDir()
	cfg.NoCcache = true
	store := defs.NewStore(false)
	for _, def := range defList {
		if _, err := store.Insert(ctx, def); err != nil {
			t.Fatal(err)
		}
	}
	artifacts := newMemArtifacts(t)
	executor := new(fakeExecutor)
	return &testBuilder{
		Builder: &Builder{
			Config:    cfg,
			Defs:      store,
			Artifacts: artifacts,
			Sandboxes: &sandbox.Manager{
				Config:    cfg,
				Artifacts: artifacts,
				Executor:  executor,
			},
			Source: fakeSource{"configure": "#!/bin/sh\n"},
			CommitTime: func(ctx context.Context, dir string) (string, error) {
				return "1700000000", nil
			},
		},
		artifacts: artifacts,
		executor:  executor,
	}
}

func testGraph() []*defs.Definition {
	return []*defs.Definition{
		{
			Path:     "systems/base",
			Name:     "base",
			Kind:     defs.KindSystem,
			Cache:    "base.3333",
			Contents: []defs.Content{{Path: "strata/core"}},
		},
		{
			Path:     "strata/core",
			Name:     "core",
			Kind:     defs.KindStratum,
			Cache:    "core.2222",
			Contents: []defs.Content{{Path: "strata/core/zlib"}, {Path: "strata/core/hello"}},
		},
		{
			Path:  "strata/core/zlib",
			Name:  "zlib",
			Kind:  defs.KindChunk,
			Cache: "zlib.0000",
			Repo:  "upstream:zlib",
			Ref:   "v1",
			Commands: map[string][]string{
				"install-commands": {"touch-install usr/lib/libz.so.1"},
			},
		},
		{
			Path:         "strata/core/hello",
			Name:         "hello",
			Kind:         defs.KindChunk,
			Cache:        "hello.1111",
			BuildSystem:  "manual",
			BuildDepends: []string{"strata/core/zlib"},
			Commands: map[string][]string{
				"build-commands":   {"check-exists usr/lib/libz.so.1"},
				"install-commands": {"touch-install usr/bin/hello"},
			},
		},
	}
}

func TestComposeSystem(t *testing.T) {
	ctx := testcontext.New(t)
	b := newTestBuilder(t, testGraph()...)

	if err := b.Compose(ctx, "systems/base"); err != nil {
		t.Fatal(err)
	}

	wantPuts := []string{"strata/core/zlib", "strata/core/hello", "strata/core", "systems/base"}
	if diff := cmp.Diff(wantPuts, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
	wantCommands := []string{
		// zlib has a configure script, so it gets autotools defaults
		// for the steps it does not give.
		"export NOCONFIGURE=1; " +
			"if [ -e autogen ]; then ./autogen; " +
			"elif [ -e autogen.sh ]; then ./autogen.sh; " +
			"elif [ -e bootstrap ]; then ./bootstrap; " +
			"elif [ -e bootstrap.sh ]; then ./bootstrap.sh; " +
			"elif [ ! -e ./configure ]; then autoreconf -ivf; fi",
		`./configure --prefix="$PREFIX" --sysconfdir=/etc --localstatedir=/var`,
		"make",
		"touch-install usr/lib/libz.so.1",
		"check-exists usr/lib/libz.so.1",
		"touch-install usr/bin/hello",
	}
	if diff := cmp.Diff(wantCommands, b.executor.ran()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if got := b.Config.Counts.Built.Load(); got != 4 {
		t.Errorf("Counts.Built = %d; want 4", got)
	}

	system := b.artifacts.built["base.3333"]
	for _, name := range []string{
		"usr/bin/hello",
		"usr/lib/libz.so.1",
		"baserock/zlib.meta",
		"baserock/hello.meta",
		"baserock/core.meta",
		"baserock/base.meta",
	} {
		if _, err := os.Stat(filepath.Join(system, filepath.FromSlash(name))); err != nil {
			t.Error(err)
		}
	}
	for _, name := range []string{"base.build", "base.inst"} {
		if _, err := os.Lstat(filepath.Join(system, name)); err == nil {
			t.Errorf("system artifact contains %s", name)
		}
	}
	if active := b.Sandboxes.Active(); len(active) > 0 {
		t.Errorf("sandboxes left active: %v", active)
	}
}

func TestComposeMetadata(t *testing.T) {
	ctx := testcontext.New(t)
	b := newTestBuilder(t, testGraph()...)
	if err := b.Compose(ctx, "strata/core"); err != nil {
		t.Fatal(err)
	}

	hello, _ := b.Defs.Get("strata/core/hello")
	got, err := ReadMetadata(b.artifacts.built["hello.1111"], hello)
	if err != nil {
		t.Fatal(err)
	}
	want := &Metadata{
		Name:  "hello",
		Kind:  defs.KindChunk,
		Cache: "hello.1111",
		Products: []ProductFiles{
			{Artifact: "hello-bins", Contents: []string{"usr/bin/hello"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("hello metadata (-want +got):\n%s", diff)
	}

	core, _ := b.Defs.Get("strata/core")
	got, err = ReadMetadata(b.artifacts.built["core.2222"], core)
	if err != nil {
		t.Fatal(err)
	}
	want = &Metadata{
		Name:  "core",
		Kind:  defs.KindStratum,
		Cache: "core.2222",
		Repo:  b.Config.DefDir,
		Contents: []ContentRecord{
			{Name: "zlib", Cache: "zlib.0000"},
			{Name: "hello", Cache: "hello.1111"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("core metadata (-want +got):\n%s", diff)
	}

	// The commit time reaches the build commands
	// without being written back to the loaded definition.
	zlib, _ := b.Defs.Get("strata/core/zlib")
	if zlib.SourceDateEpoch != "" {
		t.Errorf("zlib SourceDateEpoch = %q after build; want empty", zlib.SourceDateEpoch)
	}
	env := b.executor.envOf("touch-install usr/lib/libz.so.1")
	if !slices.Contains(env, "SOURCE_DATE_EPOCH=1700000000") {
		t.Errorf("zlib install environment = %q; want to contain SOURCE_DATE_EPOCH=1700000000", env)
	}
	// hello has no repository, so its definition's value (none) is used.
	if env := b.executor.envOf("touch-install usr/bin/hello"); slices.ContainsFunc(env, func(kv string) bool {
		return strings.HasPrefix(kv, "SOURCE_DATE_EPOCH=")
	}) {
		t.Errorf("hello install environment = %q; want no SOURCE_DATE_EPOCH", env)
	}
}

func TestComposeSkipsBuilt(t *testing.T) {
	ctx := testcontext.New(t)
	b := newTestBuilder(t, testGraph()...)
	zlib, _ := b.Defs.Get("strata/core/zlib")
	prebuilt := t.TempDir()
	if err := os.MkdirAll(filepath.Join(prebuilt, "usr", "lib"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prebuilt, "usr", "lib", "libz.so.1"), nil, 0o666); err != nil {
		t.Fatal(err)
	}
	if err := b.artifacts.Put(ctx, zlib, prebuilt, uuid.New()); err != nil {
		t.Fatal(err)
	}
	b.artifacts.puts = nil

	if err := b.Compose(ctx, "strata/core/hello"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"strata/core/hello"}, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
}

func TestComposeRetry(t *testing.T) {
	ctx := testcontext.New(t)
	b := newTestBuilder(t, testGraph()...)
	b.artifacts.busy["hello.1111"] = 1

	err := b.Compose(ctx, "strata/core")
	if got := ResultOf(err); got != Retry {
		t.Fatalf("Compose(ctx, \"strata/core\") = %v (%v); want %v", err, got, Retry)
	}
	if diff := cmp.Diff([]string{"strata/core/zlib"}, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}

	// The claim has been released: composing again finishes the job.
	if err := b.Compose(ctx, "strata/core"); err != nil {
		t.Fatal(err)
	}
	want := []string{"strata/core/zlib", "strata/core/hello", "strata/core"}
	if diff := cmp.Diff(want, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
}

func TestRun(t *testing.T) {
	ctx := testcontext.New(t)
	b := newTestBuilder(t, testGraph()...)
	b.artifacts.busy["core.2222"] = 2

	if err := Run(ctx, b.Builder, "systems/base"); err != nil {
		t.Fatal(err)
	}
	if !b.artifacts.Has(&defs.Definition{Cache: "base.3333"}) {
		t.Error("system not built")
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(testcontext.New(t))
	b := newTestBuilder(t, testGraph()...)
	b.artifacts.busy["zlib.0000"] = 1 << 20
	cancel()

	err := Run(ctx, b.Builder, "systems/base")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run(...) = %v; want %v", err, context.Canceled)
	}
}

func TestComposeFailure(t *testing.T) {
	ctx := testcontext.New(t)
	graph := testGraph()
	graph[3].Commands["build-commands"] = []string{"false"}
	b := newTestBuilder(t, graph...)

	err := b.Compose(ctx, "systems/base")
	if got := ResultOf(err); got != Fatal {
		t.Fatalf("Compose(...) = %v (%v); want %v", err, got, Fatal)
	}
	var cmdErr *sandbox.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Compose(...) = %v; want *sandbox.CommandError", err)
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("exit code = %d; want 1", cmdErr.ExitCode)
	}
	if diff := cmp.Diff([]string{"strata/core/zlib"}, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
	if active := b.Sandboxes.Active(); len(active) > 0 {
		t.Errorf("sandboxes left active: %v", active)
	}
}

func TestComposeSkipsOtherArch(t *testing.T) {
	ctx := testcontext.New(t)
	graph := testGraph()
	graph[3].Arch = "armv7lhf"
	b := newTestBuilder(t, graph...)

	if err := b.Compose(ctx, "strata/core"); err != nil {
		t.Fatal(err)
	}
	want := []string{"strata/core/zlib", "strata/core"}
	if diff := cmp.Diff(want, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
}

func TestComposeCluster(t *testing.T) {
	ctx := testcontext.New(t)
	graph := append(testGraph(), &defs.Definition{
		Path:    "clusters/release",
		Name:    "release",
		Kind:    defs.KindCluster,
		Cache:   "release.4444",
		Systems: []*defs.Deployment{{Path: "systems/base", Name: "base"}},
	})
	b := newTestBuilder(t, graph...)

	if err := b.Compose(ctx, "clusters/release"); err != nil {
		t.Fatal(err)
	}
	want := []string{"strata/core/zlib", "strata/core/hello", "strata/core", "systems/base"}
	if diff := cmp.Diff(want, b.artifacts.puts); diff != "" {
		t.Errorf("artifacts stored (-want +got):\n%s", diff)
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		err  error
		want Result
	}{
		{nil, Done},
		{fmt.Errorf("strata/core: %w", ErrRetry), Retry},
		{errors.New("bork"), Fatal},
	}
	for _, test := range tests {
		if got := ResultOf(test.err); got != test.want {
			t.Errorf("ResultOf(%v) = %v; want %v", test.err, got, test.want)
		}
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("no POSIX shell on Windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed:", err)
	}
}

func writeScript(t *testing.T, path, script string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestComposeSystemConfigure(t *testing.T) {
	requireShell(t)
	ctx := testcontext.New(t)
	graph := testGraph()
	graph[0].ConfigurationExtensions = []string{"extensions/motd"}
	b := newTestBuilder(t, graph...)
	writeScript(t, filepath.Join(b.Config.ExtsDir, "motd.configure"),
		"mkdir -p \"$1/etc\"\necho 'Hello from base' > \"$1/etc/motd\"\n")

	if err := b.Compose(ctx, "systems/base"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(b.artifacts.built["base.3333"], "etc", "motd"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Hello from base\n" {
		t.Errorf("etc/motd = %q; want %q", got, "Hello from base\n")
	}
}

func TestDeploy(t *testing.T) {
	requireShell(t)
	ctx := testcontext.New(t)
	out := filepath.Join(t.TempDir(), "deploy.log")
	graph := append(testGraph(), &defs.Definition{
		Path:  "clusters/release",
		Name:  "release",
		Kind:  defs.KindCluster,
		Cache: "release.4444",
		Systems: []*defs.Deployment{{
			Path: "systems/base",
			Name: "base",
			Deploy: map[string]map[string]string{
				"image": {
					"type":     "extensions/fake",
					"location": "/out/base.img",
					"OUT_FILE": out,
				},
			},
		}},
	})
	b := newTestBuilder(t, graph...)
	writeScript(t, filepath.Join(b.Config.ExtsDir, "fake.check"),
		"echo \"check $1\" >> \"$OUT_FILE\"\n")
	writeScript(t, filepath.Join(b.Config.ExtsDir, "fake.write"),
		"if [ -f \"$1/baserock/base.meta\" ]; then r=ok; else r=missing; fi\n"+
			"echo \"write $r $2 $UPGRADE\" >> \"$OUT_FILE\"\n")

	if err := b.Deploy(ctx, "clusters/release"); err == nil {
		t.Error("Deploy before building did not return an error")
	}
	if err := b.Compose(ctx, "clusters/release"); err != nil {
		t.Fatal(err)
	}
	if err := b.Deploy(ctx, "clusters/release"); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "check /out/base.img\nwrite ok /out/base.img no\n"
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("extension output (-want +got):\n%s", diff)
	}
	if active := b.Sandboxes.Active(); len(active) > 0 {
		t.Errorf("sandboxes left active: %v", active)
	}
}
