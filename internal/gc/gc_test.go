// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package gc

import (
	"os"
	"path/filepath"
	"testing"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/internal/testcontext"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

const (
	pathA = storepath.Path("/kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-a")
	pathB = storepath.Path("/kiln/store/m6h6mb0qfb4gc4x38gx0r55hhd3999qc-b")
	pathC = storepath.Path("/kiln/store/z5yrbqk8sjlzyvw8wpicsn2ybk0sc470-c")
)

func newTestDB(tb testing.TB) *store.DB {
	tb.Helper()
	db := store.OpenDB(filepath.Join(tb.TempDir(), "db.sqlite"))
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Error(err)
		}
	})
	return db
}

func mustParseHash(tb testing.TB, s string) nix.Hash {
	tb.Helper()
	h, err := nix.ParseHash(s)
	if err != nil {
		tb.Fatal(err)
	}
	return h
}

func registerChain(tb testing.TB, db *store.DB) {
	tb.Helper()
	ctx, cancel := testcontext.New(tb)
	defer cancel()
	hash := mustParseHash(tb, "sha256:0a9pvsidbxbdcrj9aj3gz7sp0ibfzlhmp6jwljjqya4xjwc0lnzr")

	infos := []*store.ObjectInfo{
		{StorePath: pathA, NARHash: hash, NARSize: 10, References: *sortedset.New(pathA, pathB)},
		{StorePath: pathB, NARHash: hash, NARSize: 20, References: *sortedset.New(pathB, pathC)},
		{StorePath: pathC, NARHash: hash, NARSize: 30, References: *sortedset.New(pathC)},
	}
	if err := db.RegisterClosure(ctx, infos); err != nil {
		tb.Fatal(err)
	}
}

func newCollector(tb testing.TB, db *store.DB) *Collector {
	tb.Helper()
	dir := tb.TempDir()
	rootsDir := filepath.Join(dir, "gcroots")
	autoDir := filepath.Join(rootsDir, "auto")
	tempDir := filepath.Join(dir, "temproots")
	for _, d := range []string{rootsDir, autoDir, tempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			tb.Fatal(err)
		}
	}
	return New(Options{
		Dir:          storepath.DefaultUnixDirectory,
		DB:           db,
		GCRootsDir:   rootsDir,
		AutoRootsDir: autoDir,
		TempRootsDir: tempDir,
		LockPath:     filepath.Join(dir, "gc.lock"),
	})
}

func TestLiveWithNoRoots(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	roots, err := c.Roots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 0 {
		t.Fatalf("Roots() = %v; want none", roots)
	}

	live, err := c.Live(ctx, roots)
	if err != nil {
		t.Fatal(err)
	}
	if live.Len() != 0 {
		t.Fatalf("Live() with no roots has %d entries; want 0", live.Len())
	}
}

func TestPermanentRootKeepsClosureLive(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	if err := os.Symlink(string(pathA), filepath.Join(c.opt.GCRootsDir, "root")); err != nil {
		t.Fatal(err)
	}

	result, err := c.Run(ctx, RunOptions{Mode: ReturnLive})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []storepath.Path{pathA, pathB, pathC} {
		if !result.Live.Has(p) {
			t.Errorf("Live() missing %s", p)
		}
	}
}

func TestReturnDeadWithNoRoots(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	result, err := c.Run(ctx, RunOptions{Mode: ReturnDead})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []storepath.Path{pathA, pathB, pathC} {
		if !result.Dead.Has(p) {
			t.Errorf("Dead set missing %s", p)
		}
	}
}

func TestDeleteSpecificOrdersReferrersBeforeReferents(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	result, err := c.Run(ctx, RunOptions{
		Mode:  DeleteSpecific,
		Paths: []storepath.Path{pathA, pathB, pathC},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []storepath.Path{pathA, pathB, pathC}
	if len(result.Deleted) != len(want) {
		t.Fatalf("Deleted = %v; want %v", result.Deleted, want)
	}
	for i, p := range want {
		if result.Deleted[i] != p {
			t.Errorf("Deleted[%d] = %s; want %s", i, result.Deleted[i], p)
		}
	}
	for _, p := range want {
		if valid, err := db.IsValidPath(ctx, p); err != nil {
			t.Fatal(err)
		} else if valid {
			t.Errorf("%s still registered after delete", p)
		}
	}
}

func TestDeleteSpecificRefusesLivePath(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	if err := os.Symlink(string(pathA), filepath.Join(c.opt.GCRootsDir, "root")); err != nil {
		t.Fatal(err)
	}

	_, err := c.Run(ctx, RunOptions{Mode: DeleteSpecific, Paths: []storepath.Path{pathB}})
	if err == nil {
		t.Fatal("DeleteSpecific(pathB) succeeded; want error since a live path references it")
	}
}

func TestAddTempRootKeepsPathLive(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	db := newTestDB(t)
	registerChain(t, db)
	c := newCollector(t, db)

	handle, err := c.AddTempRoot(pathA)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release()

	result, err := c.Run(ctx, RunOptions{Mode: ReturnLive})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Live.Has(pathA) {
		t.Error("temp root path not reported live")
	}

	handle.Release()
	result, err = c.Run(ctx, RunOptions{Mode: ReturnLive})
	if err != nil {
		t.Fatal(err)
	}
	if result.Live.Has(pathA) {
		t.Error("path still live after releasing its only temp root")
	}
}

func TestTempRootsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "42")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	want := []storepath.Path{pathA, pathB}
	if err := writeTempRootsFile(f, want); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	got, err := readTempRootsFile(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("readTempRootsFile() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path[%d] = %s; want %s", i, got[i], want[i])
		}
	}
}

func TestExtractStorePaths(t *testing.T) {
	data := []byte("garbage /kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-a " +
		"middle /kiln/store/m6h6mb0qfb4gc4x38gx0r55hhd3999qc-b more garbage")
	got := extractStorePaths(storepath.DefaultUnixDirectory, data)
	if len(got) != 2 || got[0] != pathA || got[1] != pathB {
		t.Fatalf("extractStorePaths() = %v; want [%s %s]", got, pathA, pathB)
	}
}
