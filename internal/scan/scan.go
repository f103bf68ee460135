// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package scan implements the reference scanner described in spec §4.E:
// given a set of candidate store-path digests, it finds which of them
// occur as substrings of a byte stream. The stream can be tens of
// gigabytes, so the scanner never buffers more than a fixed-size window
// and its state is restartable across [Scanner.Write] calls.
package scan

import (
	"encoding/binary"

	"kiln.build/kiln/internal/sortedset"
)

// DigestLength is the length in bytes of a store path digest
// (spec §4.E: "32-byte base-32 strings").
const DigestLength = 32

// A Scanner records which of a set of candidate digests occur in a byte
// stream. Candidates must all be exactly [DigestLength] bytes; shorter or
// longer candidates are rejected by [New].
//
// Scanner matches the prefix-keyed lookup spec §4.E calls out as an
// alternative to Aho-Corasick: because every candidate has the same
// length, a sliding window of that length is hashed on its first 8 bytes
// and compared only against the (typically small) bucket of candidates
// that share that prefix.
type Scanner struct {
	byPrefix map[uint64][]string
	window   []byte // ring buffer of length DigestLength
	pos      int    // next write position in window
	filled   int    // number of valid bytes currently in window, capped at DigestLength
	found    sortedset.Set[string]
}

// New returns a new [Scanner] that searches for the given candidate digests.
// It panics if any candidate is not exactly [DigestLength] bytes long.
func New(candidates []string) *Scanner {
	s := &Scanner{
		byPrefix: make(map[uint64][]string),
		window:   make([]byte, DigestLength),
	}
	for _, c := range candidates {
		if len(c) != DigestLength {
			panic("scan: candidate digest has wrong length")
		}
		key := prefixKey(c)
		s.byPrefix[key] = append(s.byPrefix[key], c)
	}
	return s
}

func prefixKey(s string) uint64 {
	var buf [8]byte
	copy(buf[:], s)
	return binary.LittleEndian.Uint64(buf[:])
}

// Found returns the set of candidate digests found in the written content
// so far.
func (s *Scanner) Found() *sortedset.Set[string] {
	return s.found.Clone()
}

// Write implements [io.Writer] by recording any occurrences of the
// candidate digests found in p. The bytes written to the Scanner are
// considered a contiguous stream: occurrences spanning multiple calls to
// Write or [Scanner.WriteString] are detected.
func (s *Scanner) Write(p []byte) (int, error) {
	for _, b := range p {
		s.write(b)
	}
	return len(p), nil
}

// WriteString implements [io.StringWriter] the same way as [Scanner.Write].
func (s *Scanner) WriteString(str string) (int, error) {
	for i := 0; i < len(str); i++ {
		s.write(str[i])
	}
	return len(str), nil
}

func (s *Scanner) write(b byte) {
	s.window[s.pos] = b
	s.pos = (s.pos + 1) % DigestLength
	if s.filled < DigestLength {
		s.filled++
		if s.filled < DigestLength {
			return
		}
	}

	// The window is full; s.pos now points at the oldest byte, i.e. the
	// start of the DigestLength-byte string currently held in the ring.
	candidates := s.byPrefix[s.windowPrefixKey()]
	if len(candidates) == 0 {
		return
	}
	current := s.windowString()
	for _, c := range candidates {
		if current == c {
			s.found.Add(c)
		}
	}
}

// windowPrefixKey computes the prefix key of the DigestLength bytes
// currently held in the ring buffer, starting at s.pos.
func (s *Scanner) windowPrefixKey() uint64 {
	var buf [8]byte
	for i := range buf {
		buf[i] = s.window[(s.pos+i)%DigestLength]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// windowString materializes the DigestLength bytes currently held in the
// ring buffer, in stream order, starting at s.pos.
func (s *Scanner) windowString() string {
	buf := make([]byte, DigestLength)
	for i := range buf {
		buf[i] = s.window[(s.pos+i)%DigestLength]
	}
	return string(buf)
}
