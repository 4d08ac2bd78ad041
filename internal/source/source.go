// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

// Package source fetches component source code from git repositories.
// Repositories are mirrored into a local directory
// and checkouts are made from the mirrors.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"zombiezen.com/go/log"
)

// DefaultAliases are the repository URL prefixes understood by default.
var DefaultAliases = map[string]string{
	"upstream:": "https://gitlab.com/baserock/delta/",
	"baserock:": "https://gitlab.com/baserock/baserock/",
}

// Fetcher resolves refs and checks out source code.
// Fetchers are safe to call from multiple goroutines.
type Fetcher struct {
	// Dir is the directory that holds repository mirrors.
	Dir string
	// Aliases maps repository prefixes (like "upstream:") to URL prefixes.
	Aliases map[string]string
	// Offline prevents the fetcher from updating mirrors.
	Offline bool

	mu      sync.Mutex
	updated map[string]struct{}
}

// URL expands any alias at the start of repo.
func (f *Fetcher) URL(repo string) string {
	for prefix, replacement := range f.Aliases {
		if strings.HasPrefix(repo, prefix) {
			return replacement + strings.TrimPrefix(repo, prefix)
		}
	}
	return repo
}

var repoNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9]`)

// MirrorDir returns the path of the local mirror for repo.
func (f *Fetcher) MirrorDir(repo string) string {
	name := strings.TrimSuffix(f.URL(repo), ".git")
	name = strings.TrimSuffix(name, "/")
	return filepath.Join(f.Dir, repoNameUnsafe.ReplaceAllString(name, "_"))
}

// Tree returns the id of the tree object that ref points to in repo.
// If the mirror does not have ref, it is updated first.
func (f *Fetcher) Tree(ctx context.Context, repo, ref string) (string, error) {
	mirror := f.MirrorDir(repo)
	if _, err := os.Stat(mirror); errors.Is(err, fs.ErrNotExist) {
		if err := f.update(ctx, repo); err != nil {
			return "", err
		}
	}
	tree, err := f.revParse(ctx, mirror, ref+"^{tree}")
	if err == nil {
		return tree, nil
	}
	if uerr := f.update(ctx, repo); uerr != nil {
		return "", uerr
	}
	tree, err = f.revParse(ctx, mirror, ref+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %v", ref, repo, err)
	}
	return tree, nil
}

// Checkout populates dir with the files of ref in repo.
// dir must not exist or be empty.
func (f *Fetcher) Checkout(ctx context.Context, repo, ref, dir string) error {
	if _, err := f.Tree(ctx, repo, ref); err != nil {
		return err
	}
	mirror := f.MirrorDir(repo)
	log.Debugf(ctx, "Checking out %s %s into %s", repo, ref, dir)
	if _, err := git(ctx, "", "clone", "--quiet", "--no-checkout", "--shared", mirror, dir); err != nil {
		return fmt.Errorf("checkout %s: %v", repo, err)
	}
	if _, err := git(ctx, dir, "checkout", "--quiet", "--detach", ref); err != nil {
		return fmt.Errorf("checkout %s %s: %v", repo, ref, err)
	}
	return nil
}

// update clones or fetches the mirror for repo at most once per Fetcher.
func (f *Fetcher) update(ctx context.Context, repo string) error {
	mirror := f.MirrorDir(repo)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.updated[mirror]; done {
		return nil
	}
	if f.Offline {
		return fmt.Errorf("update %s: offline", repo)
	}

	if _, err := os.Stat(mirror); errors.Is(err, fs.ErrNotExist) {
		log.Infof(ctx, "Mirroring %s", f.URL(repo))
		if err := os.MkdirAll(f.Dir, 0o777); err != nil {
			return fmt.Errorf("update %s: %v", repo, err)
		}
		tmp, err := os.MkdirTemp(f.Dir, ".clone-*")
		if err != nil {
			return fmt.Errorf("update %s: %v", repo, err)
		}
		defer os.RemoveAll(tmp)
		if _, err := git(ctx, "", "clone", "--quiet", "--mirror", f.URL(repo), tmp); err != nil {
			return fmt.Errorf("update %s: %v", repo, err)
		}
		if err := os.Rename(tmp, mirror); err != nil {
			return fmt.Errorf("update %s: %v", repo, err)
		}
	} else {
		log.Infof(ctx, "Updating %s", f.URL(repo))
		if _, err := git(ctx, mirror, "remote", "update", "--prune"); err != nil {
			return fmt.Errorf("update %s: %v", repo, err)
		}
	}

	if f.updated == nil {
		f.updated = make(map[string]struct{})
	}
	f.updated[mirror] = struct{}{}
	return nil
}

func (f *Fetcher) revParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "--verify", "--quiet", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// git runs a git subcommand in dir and returns its standard output.
// Errors include the command's standard error.
func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = dir
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	stderr := new(bytes.Buffer)
	c.Stderr = stderr
	out, err := c.Output()
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("git %s: %v: %s", args[0], err, msg)
		}
		return nil, fmt.Errorf("git %s: %v", args[0], err)
	}
	return out, nil
}

// CommitTime returns the committer timestamp of HEAD in the checkout at dir
// as decimal seconds since the Unix epoch,
// suitable for SOURCE_DATE_EPOCH.
func CommitTime(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "log", "-1", "--pretty=%ct")
	if err != nil {
		return "", fmt.Errorf("commit time of %s: %v", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Describe returns a human-readable name for the commit checked out at dir,
// based on the most recent tag.
func Describe(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "describe", "--tags", "--always", "--dirty")
	if err != nil {
		return "", fmt.Errorf("describe %s: %v", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}
