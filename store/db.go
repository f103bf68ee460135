// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

// ObjectInfo is the valid-path metadata for a registered store object
// (spec §4.D), as it is held in the database: the full information a
// .narinfo or export trailer needs, keyed by its store path.
type ObjectInfo struct {
	StorePath  storepath.Path
	NARHash    nix.Hash
	NARSize    int64
	References sortedset.Set[storepath.Path]
	Deriver    storepath.Path
	CA         storepath.ContentAddress
}

// ErrNotRegistered is returned by [DB.PathInfo] when no metadata has been
// registered for the requested store path.
var ErrNotRegistered = errors.New("store: path not registered")

// DB is the sqlite-backed valid-path database described in spec §4.D: it
// answers is_valid_path and query_referrers, and registers new store
// objects' metadata atomically.
type DB struct {
	pool *sqlitemigration.Pool
}

// OpenDB opens (creating and migrating if necessary) the valid-path
// database at dbPath.
func OpenDB(dbPath string) *DB {
	return &DB{
		pool: sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "Migrating store database...")
			},
			OnReady: func() {
				log.Debugf(context.Background(), "Store database ready")
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "Store database migration: %v", err)
			},
		}),
	}
}

// Close releases the database's resources.
func (db *DB) Close() error {
	return db.pool.Close()
}

// IsValidPath reports whether path has been registered. It is cheap and
// safe to call concurrently with any other [DB] method (spec §4.D).
func (db *DB) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("is valid path %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	found := false
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "is_valid_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("is valid path %s: %v", path, err)
	}
	return found, nil
}

// QueryReferrers returns the set of registered store paths whose
// references include path — the reverse of [ObjectInfo.References], used
// by garbage collection (spec §4.D, §4.J).
func (db *DB) QueryReferrers(ctx context.Context, path storepath.Path) (*sortedset.Set[storepath.Path], error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	var referrers sortedset.Set[storepath.Path]
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "query_referrers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("referrer"))
			if err != nil {
				return err
			}
			referrers.Add(p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %v", path, err)
	}
	return &referrers, nil
}

// AllValidPaths returns every store path with registered metadata. It is
// the universe garbage collection (spec §4.J) computes liveness over.
func (db *DB) AllValidPaths(ctx context.Context) (*sortedset.Set[storepath.Path], error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("all valid paths: %v", err)
	}
	defer db.pool.Put(conn)

	var paths sortedset.Set[storepath.Path]
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "all_valid_paths.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			paths.Add(p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("all valid paths: %v", err)
	}
	return &paths, nil
}

// Delete removes a store object's metadata from the database. It does not
// touch the filesystem; callers (garbage collection) must remove the
// on-disk object themselves, in either order, since the two are
// reconciled by [DB.IsValidPath]/[DB.AllValidPaths] no longer reporting a
// path whose directory entry still happens to exist.
func (db *DB) Delete(ctx context.Context, path storepath.Path) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("delete %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteScriptFS(conn, sqlFiles(), "delete_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %v", path, err)
	}
	return nil
}

// PathInfo returns the registered metadata for path, or an error wrapping
// [ErrNotRegistered] if path has not been registered.
func (db *DB) PathInfo(ctx context.Context, path storepath.Path) (*ObjectInfo, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("path info %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	info, err := pathInfo(conn, path)
	if err != nil {
		return nil, fmt.Errorf("path info %s: %w", path, err)
	}
	return info, nil
}

func pathInfo(conn *sqlite.Conn, path storepath.Path) (*ObjectInfo, error) {
	info := &ObjectInfo{StorePath: path}
	found := false
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			info.NARSize = stmt.GetInt64("nar_size")
			if err := info.NARHash.UnmarshalText([]byte(stmt.GetText("nar_hash"))); err != nil {
				return fmt.Errorf("nar_hash: %v", err)
			}
			if deriver := stmt.GetText("deriver"); deriver != "" {
				d, err := storepath.ParsePath(deriver)
				if err != nil {
					return fmt.Errorf("deriver: %v", err)
				}
				info.Deriver = d
			}
			if ca := stmt.GetText("ca"); ca != "" {
				if err := info.CA.UnmarshalText([]byte(ca)); err != nil {
					return fmt.Errorf("ca: %v", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegistered)
	}

	refs, err := queryReferences(conn, path)
	if err != nil {
		return nil, err
	}
	info.References = *refs
	return info, nil
}

func queryReferences(conn *sqlite.Conn, path storepath.Path) (*sortedset.Set[storepath.Path], error) {
	var refs sortedset.Set[storepath.Path]
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "path_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("reference"))
			if err != nil {
				return err
			}
			refs.Add(p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("references of %s: %v", path, err)
	}
	return &refs, nil
}

// ErrAlreadyRegistered is returned by [DB.RegisterClosure] when a path in
// the batch is already registered with metadata that disagrees with what
// was passed in.
var ErrAlreadyRegistered = errors.New("store: already registered with different metadata")

// RegisterClosure registers metadata for a batch of store objects in a
// single transaction, so that on crash either the whole batch is valid or
// none of it is (spec §4.D: "All bulk registration ... occurs inside one
// transaction"). A path already registered with matching metadata is
// skipped; a path already registered with different metadata fails the
// whole batch with [ErrAlreadyRegistered].
func (db *DB) RegisterClosure(ctx context.Context, infos []*ObjectInfo) (err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("register closure: %v", err)
	}
	defer db.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register closure: %v", err)
	}
	defer endFn(&err)

	for _, info := range infos {
		if err := registerOne(conn, info); err != nil {
			return fmt.Errorf("register closure: %w", err)
		}
	}
	return nil
}

// Register registers metadata for a single store object. It is equivalent
// to calling [DB.RegisterClosure] with a batch of one.
func (db *DB) Register(ctx context.Context, info *ObjectInfo) error {
	return db.RegisterClosure(ctx, []*ObjectInfo{info})
}

func registerOne(conn *sqlite.Conn, info *ObjectInfo) error {
	existing, err := pathInfo(conn, info.StorePath)
	if err == nil {
		if !objectInfosEqual(existing, info) {
			return fmt.Errorf("%s: %w", info.StorePath, ErrAlreadyRegistered)
		}
		return nil
	}
	if !errors.Is(err, ErrNotRegistered) {
		return err
	}

	if err := upsertPath(conn, info.StorePath); err != nil {
		return err
	}
	if err := upsertPath(conn, info.Deriver); err != nil {
		return err
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":     string(info.StorePath),
			":nar_size": info.NARSize,
			":nar_hash": info.NARHash.SRI(),
			":deriver":  string(info.Deriver),
			":ca":       info.CA.String(),
		},
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintRowID {
		return fmt.Errorf("%s: already registered", info.StorePath)
	}
	if err != nil {
		return err
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return err
	}
	defer addRefStmt.Finalize()

	addRefStmt.SetText(":referrer", string(info.StorePath))
	for i := 0; i < info.References.Len(); i++ {
		ref := info.References.At(i)
		if err := upsertPath(conn, ref); err != nil {
			return err
		}
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("add reference %s: %v", ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("add reference %s: %v", ref, err)
		}
	}
	return nil
}

func objectInfosEqual(a, b *ObjectInfo) bool {
	if a.StorePath != b.StorePath ||
		a.NARSize != b.NARSize ||
		!a.NARHash.Equal(b.NARHash) ||
		!a.CA.Equal(b.CA) ||
		a.Deriver != b.Deriver ||
		a.References.Len() != b.References.Len() {
		return false
	}
	for i := 0; i < a.References.Len(); i++ {
		if a.References.At(i) != b.References.At(i) {
			return false
		}
	}
	return true
}

func upsertPath(conn *sqlite.Conn, path storepath.Path) error {
	if path == "" {
		return nil
	}
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %v", path, err)
	}
	return nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
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
