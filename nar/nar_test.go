// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestDumpWithListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("Hello, World!\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "run"), []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("bin/run", filepath.Join(dir, "run")); err != nil {
		t.Fatal(err)
	}

	buf := new(bytes.Buffer)
	listing, err := DumpWithListing(buf, dir)
	if err != nil {
		t.Fatal(err)
	}

	if listing.Root == nil || listing.Root.Type != "directory" {
		t.Fatalf("listing.Root = %+v; want a directory", listing.Root)
	}
	helloEntry, ok := listing.Root.Entries["hello.txt"]
	if !ok {
		t.Fatal("listing has no hello.txt entry")
	}
	if helloEntry.Type != "regular" || helloEntry.Size == nil || *helloEntry.Size != 14 {
		t.Errorf("hello.txt entry = %+v; want regular file of size 14", helloEntry)
	}
	if helloEntry.NAROffset == nil {
		t.Error("hello.txt entry has no NAROffset")
	} else if got := buf.Bytes()[*helloEntry.NAROffset : *helloEntry.NAROffset+*helloEntry.Size]; string(got) != "Hello, World!\n" {
		t.Errorf("content at recorded NAROffset = %q; want %q", got, "Hello, World!\n")
	}

	binEntry, ok := listing.Root.Entries["bin"]
	if !ok || binEntry.Type != "directory" {
		t.Fatalf("listing has no bin directory entry: %+v", binEntry)
	}
	runEntry, ok := binEntry.Entries["run"]
	if !ok || runEntry.Type != "regular" || runEntry.Executable == nil || !*runEntry.Executable {
		t.Errorf("bin/run entry = %+v; want executable regular file", runEntry)
	}

	symlinkEntry, ok := listing.Root.Entries["run"]
	if !ok || symlinkEntry.Type != "symlink" || symlinkEntry.Target == nil || *symlinkEntry.Target != "bin/run" {
		t.Errorf("run entry = %+v; want symlink to bin/run", symlinkEntry)
	}

	// The NAR content must be decodable by the underlying codec.
	nr := NewReader(bytes.NewReader(buf.Bytes()))
	count := 0
	for {
		_, err := nr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count == 0 {
		t.Error("NewReader found no entries in the produced NAR")
	}
}
