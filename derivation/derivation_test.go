// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	stdcmp "cmp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

func hashString(typ nix.HashType, s string) nix.Hash {
	h := nix.NewHasher(typ)
	h.WriteString(s)
	return h.SumHash()
}

func compareOptions() cmp.Options {
	return cmp.Options{
		cmpopts.EquateEmpty(),
		cmp.AllowUnexported(Output{}),
		transformSortedSet[storepath.Path](),
		transformSortedSet[string](),
	}
}

func transformSortedSet[E stdcmp.Ordered]() cmp.Option {
	return cmp.Transformer("transformSortedSet", func(s sortedset.Set[E]) []E {
		list := make([]E, s.Len())
		for i := range list {
			list[i] = s.At(i)
		}
		return list
	})
}

func floatingCAExample() *Derivation {
	return &Derivation{
		Dir:     "/kiln/store",
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo 'Hello' > $out"},
		Env: map[string]string{
			"builder":        "/bin/sh",
			"name":           "hello",
			"outputHashAlgo": "sha256",
			"outputHashMode": "recursive",
			"system":         "x86_64-linux",
		},
		Outputs: map[string]*Output{
			"out": RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
}

func fixedOutputExample() *Derivation {
	drv := &Derivation{
		Dir:     "/kiln/store",
		Name:    "fetch.tar.gz",
		System:  "x86_64-linux",
		Builder: "/kiln/store/00000000000000000000000000000000-bash/bin/bash",
		Args:    []string{"-e", "/kiln/store/00000000000000000000000000000001-builder.sh"},
		Env: map[string]string{
			"name":           "fetch.tar.gz",
			"outputHash":     "abc",
			"outputHashAlgo": "sha256",
			"outputHashMode": "flat",
			"system":         "x86_64-linux",
		},
		InputDerivations: map[storepath.Path]*sortedset.Set[string]{
			"/kiln/store/00000000000000000000000000000002-bash.drv": sortedset.New("out"),
		},
		InputSources: *sortedset.New[storepath.Path](
			"/kiln/store/00000000000000000000000000000001-builder.sh",
		),
		Outputs: map[string]*Output{
			"out": FixedCAOutput(nix.FlatFileContentAddress(hashString(nix.SHA256, "Hello, World!\n"))),
		},
	}
	return drv
}

func TestMarshalParseRoundTrip(t *testing.T) {
	tests := []*Derivation{
		floatingCAExample(),
		fixedOutputExample(),
	}
	for _, drv := range tests {
		t.Run(drv.Name, func(t *testing.T) {
			data, err := drv.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			got, err := Parse(drv.Dir, drv.Name+Ext, data)
			if err != nil {
				t.Fatalf("Parse(%q): %v", data, err)
			}
			if diff := cmp.Diff(drv, got, compareOptions()); diff != "" {
				t.Errorf("round trip through ATerm (-want +got):\n%s", diff)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tests := []*Derivation{
		floatingCAExample(),
		fixedOutputExample(),
	}
	for _, drv := range tests {
		t.Run(drv.Name, func(t *testing.T) {
			data, err := drv.MarshalJSON()
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParseJSON(drv.Dir, data)
			if err != nil {
				t.Fatalf("ParseJSON(%q): %v", data, err)
			}
			if diff := cmp.Diff(drv, got, compareOptions()); diff != "" {
				t.Errorf("round trip through JSON (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		out  *Output
	}{
		{
			name: "Text",
			out:  FixedCAOutput(nix.TextContentAddress(hashString(nix.SHA256, "Hello, World!\n"))),
		},
		{
			name: "FlatFile",
			out:  FixedCAOutput(nix.FlatFileContentAddress(hashString(nix.SHA256, "Hello, World!\n"))),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			const dir storepath.Directory = "/kiln/store"
			got, ok := test.out.Path(dir, "hello.txt", "out")
			if !ok {
				t.Fatalf("out.Path(%q, %q, %q) reported !ok", dir, "hello.txt", "out")
			}
			if _, err := storepath.ParsePath(string(got)); err != nil {
				t.Errorf("out.Path(%q, %q, %q) = %q, which does not parse as a store path: %v", dir, "hello.txt", "out", got, err)
			}
			again, ok2 := test.out.Path(dir, "hello.txt", "out")
			if !ok2 || again != got {
				t.Errorf("out.Path is not deterministic: got %q then %q", got, again)
			}
		})
	}
}

func TestDerivationType(t *testing.T) {
	if typ, err := floatingCAExample().Type(); err != nil || typ != FloatingCAType {
		t.Errorf("floatingCAExample().Type() = %v, %v; want %v, <nil>", typ, err, FloatingCAType)
	}
	if typ, err := fixedOutputExample().Type(); err != nil || typ != FixedOutputType {
		t.Errorf("fixedOutputExample().Type() = %v, %v; want %v, <nil>", typ, err, FixedOutputType)
	}
}
