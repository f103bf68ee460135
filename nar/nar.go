// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package nar wraps [zombiezen.com/go/nix/nar], the NAR serialization
// codec the rest of this module uses (spec §4.B), and adds a listing
// index (spec's supplemented features, see DESIGN.md) that records the
// byte offset of every regular file's content within a NAR, so a
// substituter can serve a single file out of a store object without
// decoding the whole archive.
package nar

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"zombiezen.com/go/nix/nar"
)

// Header is re-exported so callers that only need the serialization codec
// (not the listing index) can depend on this package alone.
type Header = nar.Header

// NewWriter returns a [nar.Writer] that writes a NAR to w.
func NewWriter(w io.Writer) *nar.Writer {
	return nar.NewWriter(w)
}

// NewReader returns a [nar.Reader] that reads a NAR from r.
func NewReader(r io.Reader) *nar.Reader {
	return nar.NewReader(r)
}

// Extract reads a NAR from r and recreates its file, directory, and
// symlink tree at dst, which must not already exist: dst itself becomes
// the root entry (a single file, a directory, or a symlink), not a
// parent directory the root is placed under.
func Extract(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o444)
			if hdr.Mode&0o111 != 0 {
				perm = 0o555
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			closeErr := f.Close()
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o555); err != nil {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("extract nar: unhandled type %v", typ)
		}
	}
}

// DumpPath serializes the file, directory, or symlink tree rooted at root
// as a NAR to w, without recording a [Listing].
func DumpPath(w io.Writer, root string) error {
	_, err := DumpWithListing(w, root)
	return err
}

// Listing is a directory listing of a NAR archive, recording where each
// regular file's content begins within the archive. It is the structure
// persisted as a binary cache's ".ls" sidecar (spec's supplemented
// features; grounded on the Nix C++ implementation's own listing cache
// and `_examples/other_examples/fa9b1bad_Mic92-niks3__client-nar.go.go`'s
// `NarListing`).
type Listing struct {
	Version int           `json:"version"`
	Root    *ListingEntry `json:"root"`
}

// ListingEntry is one file, directory, or symlink node in a [Listing].
type ListingEntry struct {
	Type       string                   `json:"type"` // "regular", "directory", or "symlink"
	Size       *int64                   `json:"size,omitempty"`
	Executable *bool                    `json:"executable,omitempty"`
	NAROffset  *int64                   `json:"narOffset,omitempty"`
	Entries    map[string]*ListingEntry `json:"entries,omitempty"`
	Target     *string                  `json:"target,omitempty"`
}

// countingWriter wraps an io.Writer, tracking the number of bytes written
// so far so that DumpWithListing can record where each file's content
// begins in the underlying NAR stream.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// DumpWithListing serializes the file, directory, or symlink tree rooted
// at root as a NAR to w and returns a [Listing] describing its structure,
// with the NAR offset of every regular file's content recorded.
//
// [nar.Writer] takes a flat, lexically-ordered sequence of headers keyed
// by a slash-separated path relative to the root (the empty path names the
// root itself), the same shape [filepath.WalkDir] visits a tree in, so
// entries are built up into the nested [Listing] tree by tracking each
// visited node's parent by its relative directory.
func DumpWithListing(w io.Writer, root string) (*Listing, error) {
	cw := &countingWriter{w: w}
	nw := nar.NewWriter(cw)

	nodes := make(map[string]*ListingEntry)
	var rootEntry *ListingEntry

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		narPath := ""
		if rel != "." {
			narPath = filepath.ToSlash(rel)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %v", p, err)
		}

		var node *ListingEntry
		switch {
		case d.IsDir():
			if err := nw.WriteHeader(&nar.Header{Path: narPath, Mode: fs.ModeDir}); err != nil {
				return err
			}
			node = &ListingEntry{Type: "directory", Entries: make(map[string]*ListingEntry)}
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("readlink %s: %v", p, err)
			}
			if err := nw.WriteHeader(&nar.Header{Path: narPath, Mode: fs.ModeSymlink, LinkTarget: target}); err != nil {
				return err
			}
			node = &ListingEntry{Type: "symlink", Target: &target}
		case info.Mode().IsRegular():
			size := info.Size()
			executable := info.Mode()&0o111 != 0
			var mode fs.FileMode
			if executable {
				mode = 0o111
			}
			if err := nw.WriteHeader(&nar.Header{Path: narPath, Size: size, Mode: mode}); err != nil {
				return err
			}
			offset := cw.n
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open %s: %v", p, err)
			}
			_, copyErr := io.Copy(nw, f)
			closeErr := f.Close()
			if copyErr != nil {
				return fmt.Errorf("copy %s: %v", p, copyErr)
			}
			if closeErr != nil {
				return closeErr
			}
			node = &ListingEntry{Type: "regular", Size: &size, Executable: &executable, NAROffset: &offset}
		default:
			return fmt.Errorf("unsupported file type for %s: %v", p, info.Mode())
		}

		nodes[rel] = node
		if rel == "." {
			rootEntry = node
			return nil
		}
		parent, ok := nodes[filepath.Dir(rel)]
		if !ok || parent.Entries == nil {
			return fmt.Errorf("dump nar: %s has no parent directory entry", p)
		}
		parent.Entries[d.Name()] = node
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("dump nar: %v", walkErr)
	}
	if err := nw.Close(); err != nil {
		return nil, fmt.Errorf("dump nar: %v", err)
	}
	return &Listing{Version: 1, Root: rootEntry}, nil
}
