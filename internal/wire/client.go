// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"context"
	"fmt"
	"io"
	"net"

	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"kiln.build/kiln/internal/engine"
	"kiln.build/kiln/internal/gc"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// Client is a connection to a kiln daemon speaking the protocol in this
// package (spec §4.K).
type Client struct {
	conn   net.Conn
	closer io.Closer
	r      *Reader
	w      *Writer
	hs     *Handshake
}

// Dial connects to a daemon listening at address over network (typically
// "unix") and performs the protocol handshake.
//
// The connection is closed automatically if ctx is canceled while a call
// is in flight, via [xcontext.CloseWhenDone] — the same technique the
// teacher's JSON-RPC client uses to make a blocking read interruptible.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %v", address, err)
	}
	closer := xcontext.CloseWhenDone(ctx, conn)
	c := &Client{
		conn:   conn,
		closer: closer,
		r:      NewReader(conn),
		w:      NewWriter(conn),
	}
	c.hs, err = ClientHandshake(ctx, c.r, c.w)
	if err != nil {
		closer.Close()
		return nil, err
	}
	log.Debugf(ctx, "wire: connected to daemon %s (protocol %s)", c.hs.DaemonVersion, c.hs.Version)
	return c, nil
}

// Handshake returns the negotiated handshake from [Dial].
func (c *Client) Handshake() *Handshake {
	return c.hs
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.closer.Close()
}

// call writes op and its arguments (via writeArgs, which may be nil for
// an argument-less call), then drains stderr-pump frames until a reply or
// error frame arrives (spec §4.K's "stderr pump").
func (c *Client) call(op Opcode, writeArgs func(*Writer) error, readReply func(*Reader) error) error {
	if err := c.w.Uint32(uint32(op)); err != nil {
		return fmt.Errorf("wire: %s: %v", op, err)
	}
	if writeArgs != nil {
		if err := writeArgs(c.w); err != nil {
			return fmt.Errorf("wire: %s: %v", op, err)
		}
	}
	for {
		tag, err := c.r.Uint32()
		if err != nil {
			return fmt.Errorf("wire: %s: %v", op, err)
		}
		switch FrameTag(tag) {
		case TagLog, TagProgress, TagActivity:
			if _, err := c.r.Bytes(); err != nil {
				return fmt.Errorf("wire: %s: %v", op, err)
			}
		case TagError:
			return ReadError(c.r)
		case TagReply:
			if readReply == nil {
				return nil
			}
			return readReply(c.r)
		default:
			return fmt.Errorf("wire: %s: unknown frame tag %d", op, tag)
		}
	}
}

func writePath(path storepath.Path) func(*Writer) error {
	return func(w *Writer) error { return w.TextMarshaler(path) }
}

func readPaths(r *Reader) ([]storepath.Path, error) {
	ss, err := r.Strings()
	if err != nil {
		return nil, err
	}
	out := make([]storepath.Path, len(ss))
	for i, s := range ss {
		out[i] = storepath.Path(s)
	}
	return out, nil
}

// IsValidPath reports whether path is registered in the store (spec
// §4.K's IsValidPath).
func (c *Client) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	var valid bool
	err := c.call(OpIsValidPath, writePath(path), func(r *Reader) (err error) {
		valid, err = r.Bool()
		return err
	})
	return valid, err
}

// QueryReferrers returns the registered paths that reference path.
func (c *Client) QueryReferrers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	var paths []storepath.Path
	err := c.call(OpQueryReferrers, writePath(path), func(r *Reader) (err error) {
		paths, err = readPaths(r)
		return err
	})
	return paths, err
}

// QueryPathInfo returns path's registered metadata.
func (c *Client) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ObjectInfo, error) {
	var info *store.ObjectInfo
	err := c.call(OpQueryPathInfo, writePath(path), func(r *Reader) (err error) {
		info, err = ReadObjectInfo(r)
		return err
	})
	return info, err
}

// QueryValidPaths returns every registered path.
func (c *Client) QueryValidPaths(ctx context.Context) ([]storepath.Path, error) {
	var paths []storepath.Path
	err := c.call(OpQueryValidPaths, nil, func(r *Reader) (err error) {
		paths, err = readPaths(r)
		return err
	})
	return paths, err
}

// QueryMissing reports which of paths are not yet valid locally and
// would need to be built or substituted to realise them.
func (c *Client) QueryMissing(ctx context.Context, paths []storepath.Path) ([]storepath.Path, error) {
	var missing []storepath.Path
	err := c.call(OpQueryMissing, func(w *Writer) error {
		ss := make([]string, len(paths))
		for i, p := range paths {
			ss[i] = string(p)
		}
		return w.Strings(ss)
	}, func(r *Reader) (err error) {
		missing, err = readPaths(r)
		return err
	})
	return missing, err
}

// AddTempRoot registers path as a temporary GC root for the daemon
// connection's lifetime (spec §4.K's AddTempRoot).
func (c *Client) AddTempRoot(ctx context.Context, path storepath.Path) error {
	return c.call(OpAddTempRoot, writePath(path), nil)
}

// EnsurePath substitutes path if it is not already valid. It does not
// build it.
func (c *Client) EnsurePath(ctx context.Context, path storepath.Path) error {
	return c.call(OpEnsurePath, writePath(path), nil)
}

// BuildPaths ensures every target is valid, building or substituting as
// needed (spec §4.K's BuildPaths).
func (c *Client) BuildPaths(ctx context.Context, targets []BuildTarget, mode engine.BuildMode) error {
	return c.call(OpBuildPaths, func(w *Writer) error {
		if err := w.Uint32(uint32(len(targets))); err != nil {
			return err
		}
		for _, t := range targets {
			if err := WriteBuildTarget(w, t); err != nil {
				return err
			}
		}
		return w.Uint32(uint32(mode))
	}, nil)
}

// BuildDerivation realises drvPath's wantedOutputs, returning the
// realised store path for each (spec §4.K's remote build entry point).
func (c *Client) BuildDerivation(ctx context.Context, drvPath storepath.Path, wantedOutputs []string, mode engine.BuildMode) (map[string]storepath.Path, error) {
	result := make(map[string]storepath.Path)
	err := c.call(OpBuildDerivation, func(w *Writer) error {
		if err := w.TextMarshaler(drvPath); err != nil {
			return err
		}
		if err := w.Strings(wantedOutputs); err != nil {
			return err
		}
		return w.Uint32(uint32(mode))
	}, func(r *Reader) error {
		n, err := r.Uint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			name, err := r.String()
			if err != nil {
				return err
			}
			var path storepath.Path
			if err := r.TextUnmarshaler(&path); err != nil {
				return err
			}
			result[name] = path
		}
		return nil
	})
	return result, err
}

// CollectGarbage runs a garbage collection pass in the requested mode.
func (c *Client) CollectGarbage(ctx context.Context, opts gc.RunOptions) (*gc.Result, error) {
	result := new(gc.Result)
	err := c.call(OpCollectGarbage, func(w *Writer) error {
		if err := w.Uint32(uint32(opts.Mode)); err != nil {
			return err
		}
		ss := make([]string, len(opts.Paths))
		for i, p := range opts.Paths {
			ss[i] = string(p)
		}
		if err := w.Strings(ss); err != nil {
			return err
		}
		return w.Int64(opts.MaxFreed)
	}, func(r *Reader) error {
		reported, err := readPaths(r)
		if err != nil {
			return err
		}
		deleted, err := readPaths(r)
		if err != nil {
			return err
		}
		freed, err := r.Int64()
		if err != nil {
			return err
		}
		reportedSet := sortedset.New(reported...)
		if opts.Mode == gc.ReturnLive {
			result.Live = reportedSet
		} else {
			result.Dead = reportedSet
		}
		result.Deleted = deleted
		result.BytesFreed = freed
		return nil
	})
	return result, err
}

// AddToStore sends the NAR-serialized content at r, naming the resulting
// object name, and returns its computed store path. Unlike a full source
// filter/rewrite pass, this does not rewrite any embedded self-references
// in the NAR: it is meant for source trees, which do not contain store
// paths.
func (c *Client) AddToStore(ctx context.Context, name string, narBytes []byte) (storepath.Path, error) {
	var path storepath.Path
	err := c.call(OpAddToStore, func(w *Writer) error {
		if err := w.String(name); err != nil {
			return err
		}
		return w.Bytes(narBytes)
	}, func(r *Reader) error {
		return r.TextUnmarshaler(&path)
	})
	return path, err
}

// NarFromPath streams path's NAR serialization back from the daemon.
func (c *Client) NarFromPath(ctx context.Context, path storepath.Path) ([]byte, error) {
	var data []byte
	err := c.call(OpNarFromPath, writePath(path), func(r *Reader) (err error) {
		data, err = r.Bytes()
		return err
	})
	return data, err
}

// ImportPaths sends a closure of objects (each as metadata plus its NAR
// bytes) to the daemon, to be registered and extracted.
func (c *Client) ImportPaths(ctx context.Context, infos []*store.ObjectInfo, nars [][]byte) error {
	if len(infos) != len(nars) {
		return fmt.Errorf("wire: import paths: %d infos but %d NARs", len(infos), len(nars))
	}
	return c.call(OpImportPaths, func(w *Writer) error {
		if err := w.Uint32(uint32(len(infos))); err != nil {
			return err
		}
		for i, info := range infos {
			if err := WriteObjectInfo(w, info); err != nil {
				return err
			}
			if err := w.Bytes(nars[i]); err != nil {
				return err
			}
		}
		return nil
	}, nil)
}

// RegisterDrvOutput records the realised output path for a
// content-addressed derivation's output (used once the output's final
// path cannot be computed until after the build completes).
func (c *Client) RegisterDrvOutput(ctx context.Context, drvOutputID string, outputPath storepath.Path) error {
	return c.call(OpRegisterDrvOutput, func(w *Writer) error {
		if err := w.String(drvOutputID); err != nil {
			return err
		}
		return w.TextMarshaler(outputPath)
	}, nil)
}

// QueryRealisation looks up the registered output path for a
// content-addressed derivation output, if any.
func (c *Client) QueryRealisation(ctx context.Context, drvOutputID string) (storepath.Path, bool, error) {
	var path storepath.Path
	var ok bool
	err := c.call(OpQueryRealisation, func(w *Writer) error {
		return w.String(drvOutputID)
	}, func(r *Reader) error {
		found, err := r.Bool()
		if err != nil {
			return err
		}
		ok = found
		if !found {
			return nil
		}
		return r.TextUnmarshaler(&path)
	})
	return path, ok, err
}
