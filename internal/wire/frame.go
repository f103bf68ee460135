// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package wire implements the framed, length-prefixed, little-endian
// binary protocol spoken between a kiln daemon and its clients (spec
// §4.K), generalizing the framing idiom the teacher's internal/jsonrpc
// package uses for its LSP-style header framing to a binary wire format.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameLen bounds a single length-prefixed value read from the wire,
// guarding against a corrupt or hostile peer claiming an enormous length.
const maxFrameLen = 1 << 30

// Reader reads the little-endian primitives spec §4.K's operations and
// frames are built from out of an underlying [io.Reader].
type Reader struct {
	r   io.Reader
	err error
}

// NewReader returns a new [Reader] that reads from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// Uint32 reads a 32-bit little-endian unsigned integer.
func (r *Reader) Uint32() (uint32, error) {
	if r.err != nil {
		return 0, r.err
	}
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, r.fail(err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit little-endian unsigned integer.
func (r *Reader) Uint64() (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, r.fail(err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Int64 reads a 64-bit little-endian signed integer.
func (r *Reader) Int64() (int64, error) {
	u, err := r.Uint64()
	return int64(u), err
}

// Bool reads a single byte, 0 for false and any other value for true.
func (r *Reader) Bool() (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	var buf [1]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return false, r.fail(err)
	}
	return buf[0] != 0, nil
}

// Bytes reads a 32-bit length prefix followed by that many bytes.
func (r *Reader) Bytes() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > maxFrameLen {
		return nil, r.fail(fmt.Errorf("wire: frame length %d exceeds maximum", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, r.fail(err)
	}
	return buf, nil
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// Strings reads a 32-bit count followed by that many length-prefixed
// strings.
func (r *Reader) Strings() ([]string, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.String()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TextUnmarshaler reads a length-prefixed string and decodes it with v's
// [encoding.TextUnmarshaler] implementation. It is how values with an
// established textual encoding (store paths, hashes, content addresses)
// are carried inside an otherwise binary frame.
func (r *Reader) TextUnmarshaler(v encoding.TextUnmarshaler) error {
	s, err := r.Bytes()
	if err != nil {
		return err
	}
	return v.UnmarshalText(s)
}

// Err returns the first error encountered reading from r, if any.
func (r *Reader) Err() error {
	return r.err
}

// Writer writes the little-endian primitives spec §4.K's operations and
// frames are built out of to an underlying [io.Writer].
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter returns a new [Writer] that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}

// Uint32 writes a 32-bit little-endian unsigned integer.
func (w *Writer) Uint32(v uint32) error {
	if w.err != nil {
		return w.err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := w.w.Write(buf[:]); err != nil {
		return w.fail(err)
	}
	return nil
}

// Uint64 writes a 64-bit little-endian unsigned integer.
func (w *Writer) Uint64(v uint64) error {
	if w.err != nil {
		return w.err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := w.w.Write(buf[:]); err != nil {
		return w.fail(err)
	}
	return nil
}

// Int64 writes a 64-bit little-endian signed integer.
func (w *Writer) Int64(v int64) error {
	return w.Uint64(uint64(v))
}

// Bool writes a single byte, 1 for true and 0 for false.
func (w *Writer) Bool(v bool) error {
	if w.err != nil {
		return w.err
	}
	b := byte(0)
	if v {
		b = 1
	}
	if _, err := w.w.Write([]byte{b}); err != nil {
		return w.fail(err)
	}
	return nil
}

// Bytes writes a 32-bit length prefix followed by p.
func (w *Writer) Bytes(p []byte) error {
	if len(p) > maxFrameLen {
		return w.fail(errors.New("wire: frame too large to write"))
	}
	if err := w.Uint32(uint32(len(p))); err != nil {
		return err
	}
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(p); err != nil {
		return w.fail(err)
	}
	return nil
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) error {
	return w.Bytes([]byte(s))
}

// Strings writes a 32-bit count followed by each element as a
// length-prefixed string.
func (w *Writer) Strings(ss []string) error {
	if err := w.Uint32(uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.String(s); err != nil {
			return err
		}
	}
	return nil
}

// TextMarshaler writes v's [encoding.TextMarshaler] encoding as a
// length-prefixed string.
func (w *Writer) TextMarshaler(v encoding.TextMarshaler) error {
	b, err := v.MarshalText()
	if err != nil {
		return w.fail(err)
	}
	return w.Bytes(b)
}

// Err returns the first error encountered writing to w, if any.
func (w *Writer) Err() error {
	return w.err
}
