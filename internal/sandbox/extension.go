// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/leeming/ybd/internal/xmaps"
	"zombiezen.com/go/log"
)

// Extension steps.
const (
	StepCheck     = "check"
	StepWrite     = "write"
	StepConfigure = "configure"
)

// ErrNoExtension is returned by [FindExtension]
// when no extension implements the requested step.
var ErrNoExtension = errors.New("extension not found")

// FindExtension returns the path of the extension program
// that implements step for method (e.g. "tar" and "write" find "tar.write").
// The directories in dirs are searched recursively in order.
func FindExtension(step, method string, dirs ...string) (string, error) {
	want := filepath.Base(method) + "." + step
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		found := ""
		err := filepath.WalkDir(dir, func(path string, ent fs.DirEntry, err error) error {
			if err != nil {
				if path == dir {
					return err
				}
				return nil
			}
			if ent.IsDir() {
				if ent.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if ent.Name() == want {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("find %s: %v", want, err)
		}
		if found != "" {
			return found, nil
		}
	}
	return "", fmt.Errorf("find %s: %w", want, ErrNoExtension)
}

// RunExtension runs the extension program at prog for a deployment step.
// Upper-case deployment parameters are passed to the program as environment variables.
// The program runs from a private executable copy in the tmp directory
// with its working directory set to the definitions directory.
func (sb *Sandbox) RunExtension(ctx context.Context, deployment map[string]string, step, method, prog string) error {
	cfg := sb.manager.Config
	log.Infof(ctx, "%s: Running %s extension: %s", sb.Def.Name, step, method)

	tmp, err := copyExecutable(prog, cfg.TmpDir)
	if err != nil {
		return fmt.Errorf("%s: %s extension %s: %v", sb.Def.Path, step, method, err)
	}
	defer os.Remove(tmp)

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	if filepath.Base(method) == "ssh-rsync" {
		env["UPGRADE"] = "yes"
	} else {
		env["UPGRADE"] = "no"
	}
	if pp := os.Getenv("PYTHONPATH"); pp != "" {
		env["PYTHONPATH"] = pp + ":" + cfg.ExtsDir
	} else {
		env["PYTHONPATH"] = cfg.ExtsDir
	}
	for k, v := range deployment {
		if isUpper(k) {
			env[k] = v
		}
	}

	argv := []string{tmp}
	if step == StepWrite || step == StepConfigure {
		argv = append(argv, sb.Root)
	}
	if step == StepWrite || step == StepCheck {
		location := deployment["location"]
		if location == "" {
			location = deployment["upgrade-location"]
		}
		argv = append(argv, location)
	}
	if err := sb.runLogged(ctx, argv, xmaps.Environ(env), cfg.DefDir); err != nil {
		log.Errorf(ctx, "%s: ERROR: %s extension failed: %s", sb.Def.Name, step, prog)
		return err
	}
	return nil
}

func copyExecutable(src, tmpDir string) (_ string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.CreateTemp(tmpDir, "ext-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			os.Remove(out.Name())
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(out.Name(), 0o700); err != nil {
		return "", err
	}
	return out.Name(), nil
}

// isUpper reports whether s has at least one letter
// and no lower-case letters.
func isUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasLetter = true
		}
	}
	return hasLetter
}
