// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package scan

import (
	stdcmp "cmp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kiln.build/kiln/internal/sortedset"
)

func digest(b byte) string {
	return strings.Repeat(string(rune(b)), DigestLength)
}

var scannerGoldens = []struct {
	name       string
	s          string
	candidates []string
	want       *sortedset.Set[string]
}{
	{
		name: "Empty",
		s:    "",
		want: sortedset.New[string](),
	},
	{
		name:       "NoMatch",
		s:          strings.Repeat("a", 64),
		candidates: []string{digest('x')},
		want:       sortedset.New[string](),
	},
	{
		name:       "ExactMatch",
		s:          digest('a'),
		candidates: []string{digest('a')},
		want:       sortedset.New(digest('a')),
	},
	{
		name:       "MatchWithPrefixAndSuffix",
		s:          "prefix-" + digest('a') + "-suffix",
		candidates: []string{digest('a')},
		want:       sortedset.New(digest('a')),
	},
	{
		name:       "TwoOfThreeCandidates",
		s:          digest('a') + digest('b'),
		candidates: []string{digest('a'), digest('b'), digest('c')},
		want:       sortedset.New(digest('a'), digest('b')),
	},
}

func TestScanner(t *testing.T) {
	for _, test := range scannerGoldens {
		t.Run(test.name+"/Write", func(t *testing.T) {
			s := New(test.candidates)
			if n, err := s.Write([]byte(test.s)); n != len(test.s) || err != nil {
				t.Fatalf("Write(%q) = %d, %v; want %d, <nil>", test.s, n, err, len(test.s))
			}
			got := s.Found()
			if diff := cmp.Diff(test.want, got, transformSortedSet[string]()); diff != "" {
				t.Errorf("Found() (-want +got):\n%s", diff)
			}
		})

		t.Run(test.name+"/WriteString", func(t *testing.T) {
			s := New(test.candidates)
			if n, err := s.WriteString(test.s); n != len(test.s) || err != nil {
				t.Fatalf("WriteString(%q) = %d, %v; want %d, <nil>", test.s, n, err, len(test.s))
			}
			got := s.Found()
			if diff := cmp.Diff(test.want, got, transformSortedSet[string]()); diff != "" {
				t.Errorf("Found() (-want +got):\n%s", diff)
			}
		})
	}
}

// TestChunkBoundary verifies that a match spanning multiple Write calls is
// still detected, per spec §4.E's "patterns spanning chunk boundaries must
// be detected" edge case.
func TestChunkBoundary(t *testing.T) {
	want := digest('a')
	full := "xxx" + want + "yyy"
	for split := 1; split < len(full); split++ {
		s := New([]string{want})
		if _, err := s.Write([]byte(full[:split])); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Write([]byte(full[split:])); err != nil {
			t.Fatal(err)
		}
		got := s.Found()
		if got.Len() != 1 || got.At(0) != want {
			t.Errorf("split at %d: Found() = %v; want {%q}", split, got, want)
		}
	}
}

func TestNewPanicsOnWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New did not panic on a candidate with the wrong length")
		}
	}()
	New([]string{"too-short"})
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
