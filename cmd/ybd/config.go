// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/leeming/ybd/internal/app"
	"github.com/leeming/ybd/internal/source"
	"github.com/leeming/ybd/internal/system"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// configFilename is the name of configuration files
// in the configuration directories and the definitions directory.
const configFilename = "ybd.jwcc"

// envPrefix marks environment variables that override configuration settings.
// YBD_MAX_JOBS=4 sets "max-jobs".
const envPrefix = "YBD_"

// mergeFiles merges the configuration files at paths into cfg in order.
// Missing files are skipped.
func mergeFiles(cfg *app.Config, paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, cfg, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// configPaths returns the configuration files to read
// in increasing order of preference.
func configPaths(defDir string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for dir := range systemConfigDirs() {
			if !yield(filepath.Join(dir, "ybd", configFilename)) {
				return
			}
		}
		if defDir != "" {
			yield(filepath.Join(defDir, configFilename))
		}
	}
}

// mergeEnvironment applies YBD_* variables from environ to cfg.
// The variable name after the prefix is lower-cased
// and matched against setting names with underscores or dashes.
// Values are parsed as JSON literals when possible and as strings otherwise.
func mergeEnvironment(cfg *app.Config, environ []string) error {
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(k, envPrefix)
		if !ok || name == "" {
			continue
		}
		name = strings.ToLower(name)
		if !setFromEnv(cfg, name, v) {
			return fmt.Errorf("%s: unknown setting or invalid value %q", k, v)
		}
	}
	return nil
}

func setFromEnv(cfg *app.Config, name, value string) bool {
	quoted, err := jsonv2.Marshal(value)
	if err != nil {
		return false
	}
	values := [][]byte{quoted}
	if isJSONLiteral(value) {
		values = [][]byte{[]byte(value), quoted}
	}
	for _, key := range []string{strings.ReplaceAll(name, "_", "-"), name} {
		quotedKey, err := jsonv2.Marshal(key)
		if err != nil {
			return false
		}
		for _, v := range values {
			obj := fmt.Sprintf("{%s:%s}", quotedKey, v)
			// Unmarshal into a copy so a type mismatch leaves cfg untouched.
			trial := cfgSettings(cfg)
			if jsonv2.Unmarshal([]byte(obj), trial, jsonv2.RejectUnknownMembers(true)) == nil {
				return jsonv2.Unmarshal([]byte(obj), cfg) == nil
			}
		}
	}
	return false
}

// cfgSettings returns a scratch configuration with the same settings as cfg
// but none of its run state.
func cfgSettings(cfg *app.Config) *app.Config {
	c := app.Default()
	c.Aliases = maps.Clone(cfg.Aliases)
	return c
}

func isJSONLiteral(s string) bool {
	if s == "true" || s == "false" {
		return true
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// flagValues holds the command-line settings.
// They are applied after configuration files and the environment,
// and only if given.
type flagValues struct {
	debug            bool
	configFile       string
	defDir           string
	mode             string
	base             string
	tmp              string
	artifacts        string
	gits             string
	ccacheDir        string
	extsDir          string
	resultFile       string
	checkDefinitions string
	instances        int
	fork             int
	maxJobs          int
	keepArtifacts    int
	noCcache         bool
	noDistcc         bool
	offline          bool
}

func (fv *flagValues) register(flags *pflag.FlagSet) {
	flags.BoolVar(&fv.debug, "debug", false, "show debugging output")
	flags.StringVar(&fv.configFile, "config", "", "read settings from the configuration `file` after the default ones")
	flags.StringVar(&fv.defDir, "definitions", "", "definitions `dir`ectory (default: current directory)")
	flags.StringVar(&fv.mode, "mode", string(app.ModeNormal), "one of normal, parse-only, no-build or keys-only")
	flags.StringVar(&fv.base, "base", "", "`dir`ectory that other directories default to living in")
	flags.StringVar(&fv.tmp, "tmp", "", "`dir`ectory for sandboxes")
	flags.StringVar(&fv.artifacts, "artifacts", "", "artifact cache `dir`ectory")
	flags.StringVar(&fv.gits, "gits", "", "`dir`ectory for git mirrors")
	flags.StringVar(&fv.ccacheDir, "ccache-dir", "", "ccache `dir`ectory")
	flags.StringVar(&fv.extsDir, "extsdir", "", "deployment extensions `dir`ectory")
	flags.StringVar(&fv.resultFile, "result-file", "", "`path` to write the target's cache key to in keys-only mode")
	flags.StringVar(&fv.checkDefinitions, "check-definitions", "warn", "warn or exit on structural problems in definitions")
	flags.IntVar(&fv.instances, "instances", 1, "`number` of build processes to run")
	flags.IntVar(&fv.fork, "fork", 0, "index of this process among the instances")
	flags.IntVar(&fv.maxJobs, "max-jobs", 0, "maximum parallel `jobs` for make")
	flags.IntVar(&fv.keepArtifacts, "keep-artifacts", 0, "cull the artifact cache to this many `artifacts` (0 keeps everything)")
	flags.BoolVar(&fv.noCcache, "no-ccache", false, "do not use ccache")
	flags.BoolVar(&fv.noDistcc, "no-distcc", true, "do not use distcc")
	flags.BoolVar(&fv.offline, "offline", false, "do not update git mirrors")
	flags.MarkHidden("fork")
}

func (fv *flagValues) apply(flags *pflag.FlagSet, cfg *app.Config) {
	setString := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	setInt := func(name string, dst *int, v int) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool, v bool) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	setBool("debug", &cfg.Debug, fv.debug)
	if flags.Changed("mode") {
		cfg.Mode = app.Mode(fv.mode)
	}
	setString("base", &cfg.Base, fv.base)
	setString("tmp", &cfg.TmpDir, fv.tmp)
	setString("artifacts", &cfg.ArtifactDir, fv.artifacts)
	setString("gits", &cfg.GitsDir, fv.gits)
	setString("ccache-dir", &cfg.CcacheDir, fv.ccacheDir)
	setString("extsdir", &cfg.ExtsDir, fv.extsDir)
	setString("result-file", &cfg.ResultFile, fv.resultFile)
	setString("check-definitions", &cfg.CheckDefinitions, fv.checkDefinitions)
	setInt("instances", &cfg.Instances, fv.instances)
	setInt("fork", &cfg.Fork, fv.fork)
	setInt("max-jobs", &cfg.MaxJobs, fv.maxJobs)
	setInt("keep-artifacts", &cfg.KeepArtifacts, fv.keepArtifacts)
	setBool("no-ccache", &cfg.NoCcache, fv.noCcache)
	setBool("no-distcc", &cfg.NoDistcc, fv.noDistcc)
	setBool("offline", &cfg.Offline, fv.offline)
}

// loadConfig builds the configuration for a run:
// defaults, then configuration files, then the environment, then flags.
// args are the positional arguments: the target and an optional architecture.
func loadConfig(flags *pflag.FlagSet, fv *flagValues, args []string) (*app.Config, error) {
	cfg := app.Default()
	defDir := fv.defDir
	if defDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		defDir = findDefDir(wd)
	}
	defDir, err := filepath.Abs(defDir)
	if err != nil {
		return nil, err
	}
	cfg.DefDir = defDir

	paths := configPaths(defDir)
	if fv.configFile != "" {
		paths = concatSeq(paths, single(fv.configFile))
	}
	if err := mergeFiles(cfg, paths); err != nil {
		return nil, err
	}
	if err := mergeEnvironment(cfg, os.Environ()); err != nil {
		return nil, err
	}
	fv.apply(flags, cfg)

	cfg.Target = args[0]
	if len(args) > 1 {
		cfg.Arch = system.Architecture(args[1])
	}
	if cfg.Arch == "" {
		cfg.Arch, err = system.Host()
		if err != nil {
			return nil, err
		}
	}
	if cfg.Base == "" {
		cfg.Base = filepath.Join(cacheDir(), "ybd")
	}
	cfg.SetBase(cfg.Base)
	if cfg.ResultFile == "" {
		cfg.ResultFile = filepath.Join(cfg.Base, "ybd.result")
	}
	aliases := maps.Clone(source.DefaultAliases)
	maps.Copy(aliases, cfg.Aliases)
	cfg.Aliases = aliases
	return cfg, nil
}

// findDefDir returns the definitions directory for a run started in wd.
// A "definitions" directory inside or beside wd is preferred
// unless wd holds a VERSION file.
func findDefDir(wd string) string {
	if _, err := os.Stat(filepath.Join(wd, "VERSION")); err == nil {
		return wd
	}
	if filepath.Base(wd) == "definitions" {
		return wd
	}
	for _, dir := range []string{
		filepath.Join(wd, "definitions"),
		filepath.Join(wd, "..", "definitions"),
	} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return filepath.Clean(dir)
		}
	}
	return wd
}

func single[T any](x T) iter.Seq[T] {
	return func(yield func(T) bool) {
		yield(x)
	}
}

func concatSeq[T any](seqs ...iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, seq := range seqs {
			for x := range seq {
				if !yield(x) {
					return
				}
			}
		}
	}
}
