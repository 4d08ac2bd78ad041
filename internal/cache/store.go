// Copyright 2025 The ybd Authors
// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leeming/ybd/internal/defs"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// IndexFilename is the name of the artifact index database
// inside the artifact directory.
const IndexFilename = "index.db"

// ErrLocked is returned by [Store.Lock]
// when another process holds the lock.
var ErrLocked = errors.New("artifact locked by another instance")

// Store is a local directory of built artifacts.
// Each artifact is kept as a compressed tarball
// and as an unpacked tree that can be linked into sandboxes.
// Stores are safe to use from multiple goroutines
// and multiple processes may share a directory.
type Store struct {
	dir string
	db  *sqlitemigration.Pool
}

// Open opens the artifact store in dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("open artifact store: %v", err)
	}
	s := &Store{
		dir: dir,
		db: sqlitemigration.NewPool(filepath.Join(dir, IndexFilename), loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating artifact index...")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Artifact index migration: %v", err)
			},
		}),
	}
	return s, nil
}

// Close releases the store's resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) artifactDir(cacheID string) string {
	return filepath.Join(s.dir, cacheID)
}

// TarballPath returns the path of the compressed artifact for cacheID.
func (s *Store) TarballPath(cacheID string) string {
	return filepath.Join(s.dir, cacheID, cacheID+".tar.bz2")
}

func (s *Store) unpackedPath(cacheID string) string {
	return filepath.Join(s.dir, cacheID, cacheID+".unpacked")
}

// Has reports whether the artifact for def has been stored.
func (s *Store) Has(def *defs.Definition) bool {
	if def.Cache == "" {
		return false
	}
	_, err := os.Stat(s.TarballPath(def.Cache))
	return err == nil
}

// Get returns the directory holding the unpacked artifact for def,
// unpacking the tarball if needed.
// ok is false if the artifact has not been stored.
func (s *Store) Get(ctx context.Context, def *defs.Definition) (dir string, ok bool, err error) {
	if def.Cache == "" {
		return "", false, nil
	}
	unpacked := s.unpackedPath(def.Cache)
	if _, err := os.Stat(unpacked); err == nil {
		s.touch(ctx, def.Cache)
		return unpacked, true, nil
	}
	f, err := os.Open(s.TarballPath(def.Cache))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get artifact %s: %v", def.Cache, err)
	}
	defer f.Close()

	log.Debugf(ctx, "Unpacking %s", def.Cache)
	tmp, err := os.MkdirTemp(s.artifactDir(def.Cache), ".unpack-*")
	if err != nil {
		return "", false, fmt.Errorf("get artifact %s: %v", def.Cache, err)
	}
	defer os.RemoveAll(tmp)
	tree := filepath.Join(tmp, "tree")
	if err := extractTarball(ctx, tree, f); err != nil {
		return "", false, fmt.Errorf("get artifact %s: %v", def.Cache, err)
	}
	if err := os.Rename(tree, unpacked); err != nil {
		if _, statErr := os.Stat(unpacked); statErr != nil {
			return "", false, fmt.Errorf("get artifact %s: %v", def.Cache, err)
		}
		// Another instance unpacked it first.
	}
	s.touch(ctx, def.Cache)
	return unpacked, true, nil
}

// Put stores the contents of installDir as the artifact for def.
// If the artifact already exists, Put does nothing.
func (s *Store) Put(ctx context.Context, def *defs.Definition, installDir string, buildID uuid.UUID) (err error) {
	if def.Cache == "" {
		return fmt.Errorf("store artifact for %s: no cache key", def.Path)
	}
	dst := s.artifactDir(def.Cache)
	if _, err := os.Stat(dst); err == nil {
		log.Debugf(ctx, "%s already cached", def.Cache)
		return nil
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("store artifact %s: %v", def.Cache, err)
		}
	}()

	tmp, err := os.MkdirTemp(s.dir, ".put-*")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != "" {
			os.RemoveAll(tmp)
		}
	}()
	tarball := filepath.Join(tmp, def.Cache+".tar.bz2")
	if err := writeTarball(tarball, installDir); err != nil {
		return err
	}
	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	err = extractTarball(ctx, filepath.Join(tmp, def.Cache+".unpacked"), f)
	f.Close()
	if err != nil {
		return err
	}
	info, err := os.Stat(tarball)
	if err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		if _, statErr := os.Stat(dst); statErr != nil {
			return err
		}
		log.Debugf(ctx, "%s stored by another instance", def.Cache)
		return nil
	}
	tmp = ""

	conn, err := s.db.Get(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_artifact.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cache_id": def.Cache,
			":build_id": buildID.String(),
			":name":     def.Name,
			":kind":     string(def.Kind),
			":size":     info.Size(),
			":now":      time.Now().UnixMilli(),
		},
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "Cached %d bytes as %s", info.Size(), def.Cache)
	return nil
}

// Info is the index entry of a stored artifact.
type Info struct {
	CacheID   string
	BuildID   uuid.UUID
	Name      string
	Kind      defs.Kind
	Size      int64
	CreatedAt time.Time
	UsedAt    time.Time
}

// Info returns the index entry for the artifact with the given identity.
// It returns an error wrapping [fs.ErrNotExist] if the artifact is not indexed.
func (s *Store) Info(ctx context.Context, cacheID string) (*Info, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.Put(conn)

	var info *Info
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "find_artifact.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":cache_id": cacheID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			buildID, err := uuid.Parse(stmt.GetText("build_id"))
			if err != nil {
				return fmt.Errorf("build id: %v", err)
			}
			info = &Info{
				CacheID:   stmt.GetText("cache_id"),
				BuildID:   buildID,
				Name:      stmt.GetText("name"),
				Kind:      defs.Kind(stmt.GetText("kind")),
				Size:      stmt.GetInt64("size"),
				CreatedAt: time.UnixMilli(stmt.GetInt64("created_at")),
				UsedAt:    time.UnixMilli(stmt.GetInt64("used_at")),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("artifact info for %s: %v", cacheID, err)
	}
	if info == nil {
		return nil, fmt.Errorf("artifact info for %s: %w", cacheID, fs.ErrNotExist)
	}
	return info, nil
}

func (s *Store) touch(ctx context.Context, cacheID string) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		log.Warnf(ctx, "Record use of %s: %v", cacheID, err)
		return
	}
	defer s.db.Put(conn)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "touch_artifact.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":cache_id": cacheID,
			":now":      time.Now().UnixMilli(),
		},
	})
	if err != nil {
		log.Warnf(ctx, "Record use of %s: %v", cacheID, err)
	}
}

// Cull removes the least recently used artifacts
// so that at most keep indexed artifacts remain.
// Artifacts that are locked are skipped.
// A keep of zero or less disables culling.
func (s *Store) Cull(ctx context.Context, keep int) (err error) {
	if keep <= 0 {
		return nil
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("cull artifacts: %v", err)
	}
	defer s.db.Put(conn)

	var stale []string
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "list_stale.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":keep": keep},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stale = append(stale, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cull artifacts: %v", err)
	}

	culled := 0
	for _, cacheID := range stale {
		unlock, err := s.Lock(ctx, cacheID)
		if errors.Is(err, ErrLocked) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cull artifacts: %v", err)
		}
		err = s.remove(conn, cacheID)
		unlock()
		if err != nil {
			return fmt.Errorf("cull artifacts: %v", err)
		}
		culled++
	}
	if culled > 0 {
		log.Infof(ctx, "Culled %d artifacts from %s", culled, s.dir)
	}
	return nil
}

func (s *Store) remove(conn *sqlite.Conn, cacheID string) (err error) {
	defer sqlitex.Save(conn)(&err)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "delete_artifact.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":cache_id": cacheID},
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.artifactDir(cacheID)); err != nil {
		return err
	}
	logs, _ := filepath.Glob(filepath.Join(s.dir, globEscape(cacheID)+".build-log*"))
	for _, l := range logs {
		os.Remove(l)
	}
	return nil
}

func globEscape(s string) string {
	escaped := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, s[i])
	}
	return string(escaped)
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 10000;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
