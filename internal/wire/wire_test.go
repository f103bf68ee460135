// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"kiln.build/kiln/internal/testcontext"
	"kiln.build/kiln/nar"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

func newTestBackend(tb testing.TB) (*Backend, string) {
	tb.Helper()
	root := tb.TempDir()
	storeDir := filepath.Join(root, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		tb.Fatal(err)
	}
	dir, err := storepath.CleanDirectory(storeDir)
	if err != nil {
		tb.Fatal(err)
	}
	db := store.OpenDB(filepath.Join(root, "db.sqlite"))
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Error(err)
		}
	})
	return &Backend{
		Dir:     dir,
		DB:      db,
		Trust:   Trusted,
		Version: "test",
	}, root
}

// serveOnce accepts a single connection on a Unix domain socket and
// serves it with backend, returning the socket's address.
func serveOnce(tb testing.TB, backend *Backend) string {
	tb.Helper()
	sockPath := filepath.Join(tb.TempDir(), "kilnd.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { ln.Close() })

	ctx, cancel := testcontext.New(tb)
	tb.Cleanup(cancel)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := NewServer(backend)
		srv.Serve(ctx, conn)
	}()
	return sockPath
}

func TestClientServerAddAndQuery(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	backend, root := newTestBackend(t)
	sockPath := serveOnce(t, backend)

	client, err := Dial(ctx, "unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	srcDir := filepath.Join(root, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var narBytes bytes.Buffer
	if err := nar.DumpPath(&narBytes, srcDir); err != nil {
		t.Fatal(err)
	}

	path, err := client.AddToStore(ctx, "hello-src", narBytes.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Fatal("AddToStore returned empty path")
	}

	valid, err := client.IsValidPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Errorf("IsValidPath(%s) = false; want true", path)
	}

	info, err := client.QueryPathInfo(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if info.StorePath != path {
		t.Errorf("QueryPathInfo(%s).StorePath = %s", path, info.StorePath)
	}
	if info.NARSize != int64(narBytes.Len()) {
		t.Errorf("QueryPathInfo(%s).NARSize = %d; want %d", path, info.NARSize, narBytes.Len())
	}

	allPaths, err := client.QueryValidPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range allPaths {
		if p == path {
			found = true
		}
	}
	if !found {
		t.Errorf("QueryValidPaths() = %v; want to include %s", allPaths, path)
	}

	gotNAR, err := client.NarFromPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotNAR, narBytes.Bytes()) {
		t.Error("NarFromPath returned different bytes than were added")
	}

	missing, err := client.QueryMissing(ctx, []storepath.Path{path, storepath.Path("/kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-not-there")})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != storepath.Path("/kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-not-there") {
		t.Errorf("QueryMissing() = %v", missing)
	}
}

func TestClientServerRealisationRegistry(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	backend, _ := newTestBackend(t)
	sockPath := serveOnce(t, backend)

	client, err := Dial(ctx, "unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	const id = "sha256:abc!out"
	_, ok, err := client.QueryRealisation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("QueryRealisation found a result before any was registered")
	}

	want := storepath.Path("/kiln/store/9n2ccy3mcsb04q47npp28jwkd9py3wdj-out")
	if err := client.RegisterDrvOutput(ctx, id, want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := client.QueryRealisation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != want {
		t.Errorf("QueryRealisation(%s) = %s, %v; want %s, true", id, got, ok, want)
	}
}
