// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"

	"kiln.build/kiln/internal/testcontext"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// buildHelloNAR returns the serialized NAR for a regular file containing
// "Hello, World!\n" along with its NAR hash.
func buildHelloNAR(tb testing.TB) (data []byte, h nix.Hash) {
	tb.Helper()
	const content = "Hello, World!\n"
	buf := new(bytes.Buffer)
	hasher := nix.NewHasher(nix.SHA256)
	w := nar.NewWriter(io.MultiWriter(buf, hasher))
	if err := w.WriteHeader(&nar.Header{Size: int64(len(content))}); err != nil {
		tb.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		tb.Fatal(err)
	}
	if err := w.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes(), hasher.SumHash()
}

func TestHTTPSubstituter(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	const path storepath.Path = "/kiln/store/mv4z5c5znjdnc40fvqfl1qknszgbdyxd-hello.txt"
	narData, narHash := buildHelloNAR(t)

	info := &store.NARInfo{
		StorePath:   path,
		URL:         "nar/" + narHash.RawBase16() + ".nar",
		Compression: store.NoCompression,
		FileHash:    narHash,
		FileSize:    int64(len(narData)),
		NARHash:     narHash,
		NARSize:     int64(len(narData)),
	}
	infoData, err := info.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+path.Digest()+store.NARInfoExtension, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", store.NARInfoMIMEType)
		w.Write(infoData)
	})
	mux.HandleFunc("/nar/"+narHash.RawBase16()+".nar", func(w http.ResponseWriter, r *http.Request) {
		w.Write(narData)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	sub := &HTTPSubstituter{BaseURL: baseURL, HTTPClient: srv.Client()}

	t.Run("Info", func(t *testing.T) {
		got, err := sub.Info(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if got.StorePath != path {
			t.Errorf("StorePath = %q; want %q", got.StorePath, path)
		}
		if !got.NARHash.Equal(narHash) {
			t.Errorf("NARHash = %v; want %v", got.NARHash, narHash)
		}
	})

	t.Run("WriteNAR", func(t *testing.T) {
		got, err := sub.Info(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		buf := new(bytes.Buffer)
		if err := sub.WriteNAR(ctx, got, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), narData) {
			t.Errorf("WriteNAR produced %d bytes; want %d bytes matching the original NAR", buf.Len(), len(narData))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := sub.Info(ctx, "/kiln/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bork")
		if err == nil {
			t.Error("no error returned")
		} else if !errors.Is(err, ErrNotFound) {
			t.Error("unexpected error:", err)
		}
	})
}
