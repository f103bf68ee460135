// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/internal/testcontext"
	"kiln.build/kiln/storepath"
)

func mustParseHash(tb testing.TB, s string) nix.Hash {
	tb.Helper()
	h, err := nix.ParseHash(s)
	if err != nil {
		tb.Fatal(err)
	}
	return h
}

func newTestDB(tb testing.TB) *DB {
	tb.Helper()
	db := OpenDB(filepath.Join(tb.TempDir(), "db.sqlite"))
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Error(err)
		}
	})
	return db
}

func TestRegisterAndIsValidPath(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)

	const path = storepath.Path("/kiln/store/z5yrbqk8sjlzyvw8wpicsn2ybk0sc470-busybox-1.36.1")
	info := &ObjectInfo{
		StorePath: path,
		NARHash:   mustParseHash(t, "sha256:1d99d4f5hjl24w30hwgrmn00kryvd1yxvyydpkm76hgmcig9mllc"),
		NARSize:   1228440,
		CA:        nix.RecursiveFileContentAddress(mustParseHash(t, "sha256:143sdn30fdykpz8gpyw45m9m6m4gz858w9kc6myy7p0v74v5qq4m")),
	}

	if valid, err := db.IsValidPath(ctx, path); err != nil {
		t.Fatal(err)
	} else if valid {
		t.Fatal("IsValidPath reports true before registration")
	}

	if err := db.Register(ctx, info); err != nil {
		t.Fatal(err)
	}

	if valid, err := db.IsValidPath(ctx, path); err != nil {
		t.Fatal(err)
	} else if !valid {
		t.Fatal("IsValidPath reports false after registration")
	}

	got, err := db.PathInfo(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !objectInfosEqual(got, info) {
		t.Errorf("PathInfo(%s) = %+v; want %+v", path, got, info)
	}

	// Re-registering identical metadata is a no-op, not an error.
	if err := db.Register(ctx, info); err != nil {
		t.Errorf("re-registering identical metadata: %v", err)
	}

	conflicting := &ObjectInfo{
		StorePath: path,
		NARHash:   info.NARHash,
		NARSize:   info.NARSize + 1,
		CA:        info.CA,
	}
	if err := db.Register(ctx, conflicting); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("re-registering conflicting metadata: got %v; want ErrAlreadyRegistered", err)
	}
}

func TestPathInfoNotRegistered(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)

	const path = storepath.Path("/kiln/store/z5yrbqk8sjlzyvw8wpicsn2ybk0sc470-busybox-1.36.1")
	if _, err := db.PathInfo(ctx, path); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("PathInfo of unregistered path: got %v; want ErrNotRegistered", err)
	}
}

func TestReferencesAndReferrers(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)

	const (
		dep  = storepath.Path("/kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-glibc-2.37")
		root = storepath.Path("/kiln/store/m6h6mb0qfb4gc4x38gx0r55hhd3999qc-hello-2.12.1")
	)
	hash := mustParseHash(t, "sha256:0a9pvsidbxbdcrj9aj3gz7sp0ibfzlhmp6jwljjqya4xjwc0lnzr")

	depInfo := &ObjectInfo{StorePath: dep, NARHash: hash, NARSize: 1}
	rootInfo := &ObjectInfo{
		StorePath:  root,
		NARHash:    hash,
		NARSize:    2,
		References: *sortedset.New(root, dep),
	}

	if err := db.RegisterClosure(ctx, []*ObjectInfo{depInfo, rootInfo}); err != nil {
		t.Fatal(err)
	}

	referrers, err := db.QueryReferrers(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	if referrers.Len() != 1 || referrers.At(0) != root {
		t.Errorf("QueryReferrers(%s) = %v; want [%s]", dep, referrers, root)
	}

	got, err := db.PathInfo(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if got.References.Len() != 2 {
		t.Errorf("PathInfo(%s).References.Len() = %d; want 2", root, got.References.Len())
	}
}

func TestRegisterClosureAtomic(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)

	const path = storepath.Path("/kiln/store/z5yrbqk8sjlzyvw8wpicsn2ybk0sc470-busybox-1.36.1")
	hash := mustParseHash(t, "sha256:1d99d4f5hjl24w30hwgrmn00kryvd1yxvyydpkm76hgmcig9mllc")
	ok := &ObjectInfo{StorePath: path, NARHash: hash, NARSize: 1}
	bad := &ObjectInfo{StorePath: path, NARHash: hash, NARSize: 2}

	err := db.RegisterClosure(ctx, []*ObjectInfo{ok, bad})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("RegisterClosure with conflicting pair: got %v; want ErrAlreadyRegistered", err)
	}

	// The whole batch must have rolled back: even the first, otherwise
	// valid registration must not be visible.
	if valid, err := db.IsValidPath(ctx, path); err != nil {
		t.Fatal(err)
	} else if valid {
		t.Error("IsValidPath reports true after a failed RegisterClosure batch")
	}
}
