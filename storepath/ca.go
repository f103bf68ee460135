// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// ContentAddress is a content-addressability assertion, as described in
// spec §4.C: a hash together with the method used to derive it (flat
// file, recursive NAR, or text).
type ContentAddress = nix.ContentAddress

// FixedCAOutputPath computes the path of a store object with the given
// directory, name, content address, and reference set, per the fingerprint
// grammar in spec §4.C:
//
//	text:sha256:<hex>:<refs>:<store-dir>:<name>
//	source:sha256:<hex>:<refs>[:self]:<store-dir>:<name>
//	output:out:sha256:<drv-hash>:<store-dir>:<name>
func FixedCAOutputPath(dir Directory, name string, ca nix.ContentAddress, refs References) (Path, error) {
	if err := ValidateContentAddress(ca, refs); err != nil {
		return "", fmt.Errorf("compute fixed output path for %s: %v", name, err)
	}
	h := ca.Hash()
	switch {
	case ca.IsText():
		return makeStorePath(dir, "text", h, name, refs)
	case IsSourceContentAddress(ca):
		return makeStorePath(dir, "source", h, name, refs)
	default:
		h2 := nix.NewHasher(nix.SHA256)
		h2.WriteString("fixed:out:")
		h2.WriteString(methodOfContentAddress(ca).prefix())
		h2.WriteString(h.Base16())
		h2.WriteString(":")
		return makeStorePath(dir, "output:out", h2.SumHash(), name, References{})
	}
}

// ValidateContentAddress checks whether the combination of the content
// address and set of references is one that a kiln store will accept.
func ValidateContentAddress(ca nix.ContentAddress, refs References) error {
	htype := ca.Hash().Type()
	isFixedOutput := ca.IsFixed() && !IsSourceContentAddress(ca)
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && htype != nix.SHA256:
		return fmt.Errorf("text must be content-addressed by %v (got %v)", nix.SHA256, htype)
	case refs.Self && ca.IsText():
		return fmt.Errorf("self-references not allowed in text")
	case !refs.IsEmpty() && isFixedOutput:
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// IsSourceContentAddress reports whether ca describes a "source" store
// object: one hashed by its NAR serialization with a plain SHA-256, as
// opposed to a fixed-output build artifact with an arbitrary hash algorithm.
func IsSourceContentAddress(ca nix.ContentAddress) bool {
	return ca.IsRecursiveFile() && ca.Hash().Type() == nix.SHA256
}

// SourceSHA256ContentAddress computes the content address of a "source"
// store object, given its temporary path digest (as returned by
// [Path.Digest]) and its NAR serialization. The digest is used to detect
// self-references: if the object is known not to contain self-references,
// digest may be the empty string.
func SourceSHA256ContentAddress(digest string, sourceNAR io.Reader) (nix.ContentAddress, error) {
	h := nix.NewHasher(nix.SHA256)
	var offsets *[]int64
	if digest != "" {
		hmr := newHashModuloReader(digest, sourceNAR)
		offsets = &hmr.offsets
		sourceNAR = hmr
	}

	if _, err := io.Copy(h, sourceNAR); err != nil {
		return nix.ContentAddress{}, fmt.Errorf("compute source content address: %v", err)
	}

	// A pipe separator distinguishes self-referential source objects from
	// plain ones, avoiding a hash collision between a file that happens to
	// contain a truncated digest and one that was rewritten because it did.
	h.WriteString("|")
	if offsets != nil {
		for _, off := range *offsets {
			fmt.Fprintf(h, "|%d", off)
		}
	}
	return nix.RecursiveFileContentAddress(h.SumHash()), nil
}

// makeStorePath computes a store path per spec §4.C.
func makeStorePath(dir Directory, typ string, hash nix.Hash, name string, refs References) (Path, error) {
	h := sha256.New()
	io.WriteString(h, typ)
	io.WriteString(h, ":")
	io.WriteString(h, hash.Base16())
	for i := 0; i < refs.Others.Len(); i++ {
		io.WriteString(h, ":")
		io.WriteString(h, string(refs.Others.At(i)))
	}
	if refs.Self {
		io.WriteString(h, ":self")
	}
	io.WriteString(h, ":")
	io.WriteString(h, string(dir))
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprintHash := h.Sum(nil)
	compressed := make([]byte, 20)
	nix.CompressHash(compressed, fingerprintHash)
	digest := nixbase32.EncodeToString(compressed)
	return dir.Object(digest + "-" + name)
}

// IngestionMethod classifies how a store object's contents were hashed
// to produce its content address.
type IngestionMethod int8

// Defined ingestion methods.
const (
	TextIngestion IngestionMethod = 1 + iota
	FlatFileIngestion
	RecursiveFileIngestion
)

// MethodOfContentAddress returns the ingestion method used by ca.
func MethodOfContentAddress(ca nix.ContentAddress) IngestionMethod {
	switch {
	case ca.IsText():
		return TextIngestion
	case ca.IsRecursiveFile():
		return RecursiveFileIngestion
	default:
		return FlatFileIngestion
	}
}

func methodOfContentAddress(ca nix.ContentAddress) IngestionMethod { return MethodOfContentAddress(ca) }

// Prefix returns the ATerm serialization prefix for the method, e.g. "r:"
// for [RecursiveFileIngestion] or "text:" for [TextIngestion].
func (m IngestionMethod) Prefix() string {
	switch m {
	case TextIngestion:
		return "text:"
	case FlatFileIngestion:
		return ""
	case RecursiveFileIngestion:
		return "r:"
	default:
		panic("unknown content address method")
	}
}

func (m IngestionMethod) prefix() string { return m.Prefix() }

// ParseHashAlgorithm parses the method+algorithm field of a serialized
// derivation output, e.g. "r:sha256" or "text:sha256" or "sha256".
func ParseHashAlgorithm(s string) (IngestionMethod, nix.HashType, error) {
	method := FlatFileIngestion
	rest, ok := cutPrefix(s, "r:")
	if ok {
		method = RecursiveFileIngestion
	} else {
		rest, ok = cutPrefix(s, "text:")
		if ok {
			method = TextIngestion
		} else {
			rest = s
		}
	}
	typ, err := nix.ParseHashType(rest)
	if err != nil {
		return method, 0, err
	}
	return method, typ, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

// hashModuloReader wraps an underlying reader to replace any occurrences
// of its modulus (a store-path digest) with zero bytes, recording the
// offsets of those occurrences. It is used to compute the content address
// of a "source" object that may contain a self-reference: the
// self-reference's digest is not yet known at serialization time, so it is
// masked out before hashing.
type hashModuloReader struct {
	r       io.Reader
	modulus string

	pos     int64
	offsets []int64
	err     error

	buf       []byte
	processed int
}

func newHashModuloReader(modulus string, r io.Reader) *hashModuloReader {
	return &hashModuloReader{
		modulus: modulus,
		r:       r,
		buf:     make([]byte, 0, len(modulus)),
	}
}

func (hmr *hashModuloReader) Read(p []byte) (n int, err error) {
	if n = hmr.copyBuffered(p); n > 0 {
		if len(hmr.buf) == 0 {
			return n, hmr.err
		}
		return n, nil
	}
	if len(p) == 0 {
		if len(hmr.buf) == 0 {
			return 0, hmr.err
		}
		return 0, nil
	}

	dst := p
	nread := len(hmr.buf)
	useInternalBuffer := len(p) < cap(hmr.buf)
	if useInternalBuffer {
		dst = hmr.buf[:cap(hmr.buf)]
	} else {
		copy(p, hmr.buf)
	}
	nprocessed := 0
	for nprocessed == 0 && hmr.err == nil {
		var nn int
		nn, hmr.err = readAtLeast1(hmr.r, dst[nread:])
		nread += nn
		nprocessed, hmr.offsets = processHashModulo(hmr.modulus, hmr.offsets, hmr.pos, dst[:nread], hmr.err != nil)
	}
	if useInternalBuffer {
		n = copy(p, dst[:nprocessed])
	} else {
		n = nprocessed
	}
	newBufLen := copy(hmr.buf[:cap(hmr.buf)], dst[n:nread])
	hmr.buf = hmr.buf[:newBufLen]
	hmr.processed = nprocessed - n
	hmr.pos += int64(nread - newBufLen)
	if newBufLen == 0 {
		return n, hmr.err
	}
	return n, nil
}

func (hmr *hashModuloReader) copyBuffered(p []byte) int {
	n := copy(p, hmr.buf[:hmr.processed])
	copy(hmr.buf, hmr.buf[n:])
	hmr.buf = hmr.buf[:len(hmr.buf)-n]
	hmr.processed -= n
	hmr.pos += int64(n)
	return n
}

// processHashModulo zeroes out any occurrences of the modulus in the
// given stream buffer, returning how many bytes of the prefix of the
// buffer can be returned to the caller. The offset of any occurrences are
// appended to the offsets slice.
func processHashModulo(modulus string, offsets []int64, start int64, p []byte, eof bool) (int, []int64) {
	if modulus == "" {
		return len(p), offsets
	}

	nprocessed := 0
	searchEnd := len(p)
	if eof {
		searchEnd = max(0, len(p)-len(modulus)+1)
	}
	for {
		i := bytes.IndexByte(p[nprocessed:searchEnd], modulus[0])
		if i == -1 {
			return len(p), offsets
		}
		switch pi := p[nprocessed+i:]; {
		case len(modulus) <= len(pi) && string(pi[1:len(modulus)]) == modulus[1:]:
			offsets = append(offsets, start+int64(nprocessed+i))
			clear(pi[:len(modulus)])
			nprocessed += i + len(modulus)
		case len(modulus) > len(pi) && string(pi[1:]) == modulus[1:len(pi)]:
			nprocessed += i
			return nprocessed, offsets
		default:
			nprocessed += i + 1
		}
	}
}

func readAtLeast1(r io.Reader, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	for i := 0; n == 0 && err == nil && i < 100; i++ {
		n, err = r.Read(buf[n:])
	}
	if n == 0 && err == nil {
		err = io.ErrNoProgress
	}
	return
}
