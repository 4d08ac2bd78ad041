// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// ybd builds Baserock definitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/build"
	"github.com/leeming/ybd/internal/cache"
	"github.com/leeming/ybd/internal/defs"
	"github.com/leeming/ybd/internal/sandbox"
	"github.com/leeming/ybd/internal/source"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:                   "ybd [options] TARGET [ARCH]",
		Short:                 "build Baserock definitions",
		DisableFlagsInUseLine: true,
		Args:                  cobra.RangeArgs(1, 2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	fv := new(flagValues)
	fv.register(rootCommand.Flags())

	rootCommand.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), fv, args)
		if err != nil {
			return err
		}
		initLogging(cfg.Debug, cfg.Fork)
		return run(cmd.Context(), cfg)
	}
	rootCommand.AddCommand(newVersionCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(fv.debug, 0)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	start := time.Now()
	if v, err := source.Describe(ctx, cfg.DefDir); err != nil {
		log.Debugf(ctx, "Definitions version: %v", err)
	} else {
		cfg.DefVersion = v
	}
	cfg.ProgramVersion = programVersion()
	log.Infof(ctx, "Target is %s for %s", filepath.Join(cfg.DefDir, cfg.Target), cfg.Arch)

	for _, dir := range []string{cfg.TmpDir, cfg.ArtifactDir, cfg.GitsDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return err
		}
	}
	artifacts, err := cache.Open(cfg.ArtifactDir)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := artifacts.Close(); closeErr != nil {
			log.Errorf(ctx, "%v", closeErr)
		}
	}()
	sandboxes := &sandbox.Manager{
		Config:    cfg,
		Artifacts: artifacts,
		Executor:  sandbox.DefaultExecutor(),
	}
	cleanup := func() error { return nil }
	if cfg.IsMain() {
		cleanup = func() error { return sandboxes.Cleanup(ctx) }
	}
	lockFile, err := lockInstance(ctx, filepath.Join(cfg.TmpDir, "lock"), cleanup)
	if err != nil {
		return err
	}
	defer lockFile.Close()

	parseStart := time.Now()
	store, err := defs.Load(ctx, cfg.DefDir, &defs.Options{Strict: cfg.Strict()})
	if err != nil {
		return err
	}
	log.Infof(ctx, "Parsed %d definitions (version %s) in %v",
		store.Len(), cfg.DefVersion, time.Since(parseStart).Round(time.Millisecond))
	target, err := store.Resolve(cfg.Target)
	if err != nil {
		return err
	}
	if cfg.IsMain() && (cfg.Mode == app.ModeParseOnly || cfg.Mode == app.ModeNoBuild) {
		if err := writeSnapshot(ctx, cfg.DefDir, store); err != nil {
			return err
		}
	}
	if cfg.Mode == app.ModeParseOnly {
		return nil
	}

	fetcher := &source.Fetcher{
		Dir:     cfg.GitsDir,
		Aliases: cfg.Aliases,
		Offline: cfg.Offline,
	}
	treesPath := filepath.Join(cfg.ArtifactDir, defs.TreesFilename)
	store.LoadTrees(ctx, treesPath)
	keyStart := time.Now()
	keyer := &cache.Keyer{
		Config:    cfg,
		Defs:      store,
		Trees:     fetcher,
		Artifacts: artifacts,
	}
	key, err := keyer.Key(ctx, target.Path)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Calculated %d cache keys in %v", len(keyer.Keys()), time.Since(keyStart).Round(time.Millisecond))
	if cfg.Counts.Total() == 0 {
		return fmt.Errorf("no definitions for %s", cfg.Arch)
	}
	if err := store.SaveTrees(ctx, treesPath); err != nil {
		log.Warnf(ctx, "%v", err)
	}
	if cfg.Mode == app.ModeKeysOnly {
		return writeResult(ctx, cfg, key)
	}

	if cfg.IsMain() {
		if err := artifacts.Cull(ctx, cfg.KeepArtifacts); err != nil {
			log.Warnf(ctx, "%v", err)
		}
	}
	if _, ok := sandboxes.Executor.(sandbox.HostExecutor); ok {
		log.Warnf(ctx, "Sandboxing is not available: build commands run on the host")
	}
	log.Infof(ctx, "Sandbox using %T", sandboxes.Executor)

	b := &build.Builder{
		Config:     cfg,
		Defs:       store,
		Artifacts:  artifacts,
		Sandboxes:  sandboxes,
		Source:     fetcher,
		CommitTime: source.CommitTime,
	}
	waitInstances := func() error { return nil }
	if cfg.IsMain() && cfg.Instances > 1 {
		waitInstances, err = spawnInstances(ctx, cfg)
		if err != nil {
			return err
		}
	}
	buildErr := build.Run(ctx, b, target.Path)
	if err := waitInstances(); err != nil && buildErr == nil {
		buildErr = err
	}
	if buildErr != nil {
		return buildErr
	}
	if cfg.IsMain() && target.Kind == defs.KindCluster {
		if err := b.Deploy(ctx, target.Path); err != nil {
			return err
		}
	}
	reportSummary(ctx, cfg, time.Since(start))
	return nil
}

func writeSnapshot(ctx context.Context, defDir string, store *defs.Store) (err error) {
	path := filepath.Join(defDir, defs.SnapshotFilename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	if err := store.WriteSnapshot(f); err != nil {
		return err
	}
	log.Infof(ctx, "Wrote definitions to %s", path)
	return nil
}

func writeResult(ctx context.Context, cfg *app.Config, key string) error {
	if err := os.MkdirAll(filepath.Dir(cfg.ResultFile), 0o777); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.ResultFile, []byte(key+"\n"), 0o666); err != nil {
		return err
	}
	log.Infof(ctx, "%s has %d systems", cfg.Target, cfg.Counts.Systems.Load())
	log.Infof(ctx, "%s has %d strata", cfg.Target, cfg.Counts.Strata.Load())
	log.Infof(ctx, "%s has %d chunks", cfg.Target, cfg.Counts.Chunks.Load())
	log.Infof(ctx, "Cache-key for target is at %s", cfg.ResultFile)
	return nil
}

// spawnInstances starts the other build instances as subprocesses
// running the same command line with a fork index.
// The returned function waits for them all to exit.
func spawnInstances(ctx context.Context, cfg *app.Config) (wait func() error, err error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("spawn instances: %v", err)
	}
	var g errgroup.Group
	for i := 1; i < cfg.Instances; i++ {
		args := append(slices.Clone(os.Args[1:]), "--fork", strconv.Itoa(i))
		c := exec.CommandContext(ctx, exe, args...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Start(); err != nil {
			return nil, fmt.Errorf("spawn instance %d: %v", i, err)
		}
		log.Debugf(ctx, "Started instance %d (pid %d)", i, c.Process.Pid)
		g.Go(func() error {
			if err := c.Wait(); err != nil {
				return fmt.Errorf("instance %d: %v", i, err)
			}
			return nil
		})
	}
	return g.Wait, nil
}

func reportSummary(ctx context.Context, cfg *app.Config, elapsed time.Duration) {
	built := cfg.Counts.Built.Load()
	tasks := cfg.Counts.Tasks.Load()
	elapsed = elapsed.Round(time.Second)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "\n%s: built %d of %d artifacts in %v\n", cfg.Target, built, tasks, elapsed)
		return
	}
	log.Infof(ctx, "Built %d of %d artifacts for %s in %v", built, tasks, cfg.Target, elapsed)
}

var initLogOnce sync.Once

// initLogging sets the default logger.
// Only the first call has any effect.
func initLogging(showDebug bool, fork int) {
	initLogOnce.Do(func() {
		log.SetDefault(newLogger(showDebug, fork))
	})
}

func newLogger(showDebug bool, fork int) *log.LevelFilter {
	minLogLevel := log.Info
	if showDebug {
		minLogLevel = log.Debug
	}
	return &log.LevelFilter{
		Min:    minLogLevel,
		Output: log.New(os.Stderr, logPrefix(fork), log.StdFlags, nil),
	}
}

func logPrefix(fork int) string {
	if fork > 0 {
		return fmt.Sprintf("ybd[%d]: ", fork)
	}
	return "ybd: "
}
