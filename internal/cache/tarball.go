// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	slashpath "path"
	"path/filepath"
	"slices"

	"github.com/dsnet/compress/bzip2"
	"github.com/leeming/ybd/internal/osutil"
	"zombiezen.com/go/log"
)

// writeTarball writes the directory tree at src
// to a new bzip2-compressed tar file at dst.
func writeTarball(dst, src string) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	zw, err := bzip2.NewWriter(f, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	err = filepath.WalkDir(src, func(path string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		info, err := ent.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSocket != 0 {
			return nil
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s: %v", dst, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("write %s: %v", dst, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("write %s: %v", dst, err)
	}
	return nil
}

// extractTarball creates a new directory at dst
// and extracts the bzip2-compressed tar stream from src into it.
func extractTarball(ctx context.Context, dst string, src io.Reader) error {
	zr, err := bzip2.NewReader(src, nil)
	if err != nil {
		return err
	}
	defer zr.Close()
	if err := os.Mkdir(dst, 0o755); err != nil {
		return err
	}

	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode
	chown := osutil.IsRoot()
	r := tar.NewReader(zr)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name := slashpath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		local, err := filepath.Localize(name)
		if err != nil {
			return fmt.Errorf("extract %q: %v", hdr.Name, err)
		}
		target := filepath.Join(dst, local)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirMode{target, mode})
		case tar.TypeReg:
			if err := extractFile(target, r, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			old, err := filepath.Localize(slashpath.Clean(hdr.Linkname))
			if err != nil {
				return fmt.Errorf("extract %q: link to %q: %v", hdr.Name, hdr.Linkname, err)
			}
			if err := os.Link(filepath.Join(dst, old), target); err != nil {
				return err
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			err := makeNode(target, hdr)
			if errors.Is(err, fs.ErrPermission) {
				log.Warnf(ctx, "Skipping device node %s: %v", hdr.Name, err)
				continue
			}
			if err != nil {
				return err
			}
		default:
			log.Warnf(ctx, "Skipping %s: unsupported tar entry type %q", hdr.Name, hdr.Typeflag)
			continue
		}
		if chown {
			if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
				return err
			}
		}
	}

	// Apply directory permissions last so read-only directories can be populated.
	for _, d := range slices.Backward(dirs) {
		if err := os.Chmod(d.path, d.mode.Perm()|d.mode&(fs.ModeSetgid|fs.ModeSticky)); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(target string, r io.Reader, mode fs.FileMode) (err error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Chmod(mode.Perm() | mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky))
}
