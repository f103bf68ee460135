// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"

	"kiln.build/kiln/nar"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// substitutionGoal implements spec §4.H.1's PathSubstitutionGoal: obtain
// path from a substituter, verifying its signature or content address.
type substitutionGoal struct {
	e    *Engine
	key  Key
	path storepath.Path
}

// errNoSubstituter is a sentinel distinguishing "no substituter knows
// this path" from "a substituter knew it but every attempt failed",
// per spec §4.H.4's last bullet.
type errNoSubstituter struct {
	path storepath.Path
}

func (e *errNoSubstituter) Error() string {
	return fmt.Sprintf("%s: no substituter has this path", e.path)
}

func (g *substitutionGoal) run(ctx context.Context) error {
	if valid, err := g.e.db.IsValidPath(ctx, g.path); err != nil {
		return transientf(g.key, "check valid path: %v", err)
	} else if valid {
		return nil
	}

	if err := g.e.subSem.Acquire(ctx, 1); err != nil {
		return transientf(g.key, "%v", err)
	}
	defer g.e.subSem.Release(1)

	var knew bool
	var lastErr error
	for _, sub := range g.e.opt.Substituters {
		info, err := sub.Info(ctx, g.path)
		if err != nil {
			lastErr = err
			continue
		}
		knew = true
		if err := g.substituteFrom(ctx, sub, info); err != nil {
			log.Warnf(ctx, "Substituting %s failed: %v", g.path, err)
			lastErr = err
			continue
		}
		return nil
	}
	if !knew {
		return permanentf(g.key, "%v", &errNoSubstituter{g.path})
	}
	return transientf(g.key, "all substituters failed: %v", lastErr)
}

func (g *substitutionGoal) substituteFrom(ctx context.Context, sub Substituter, info *store.NARInfo) error {
	if info.StorePath != g.path {
		return fmt.Errorf("substituter returned info for %s, wanted %s", info.StorePath, g.path)
	}

	refs := infoReferences(info)
	if info.CA.IsZero() {
		if g.e.opt.RequireSignedSubstitutes && !store.Verify(info, g.e.opt.TrustedKeys) {
			return fmt.Errorf("%s: no valid signature from a trusted key", g.path)
		}
	} else {
		expected, err := storepath.FixedCAOutputPath(g.path.Dir(), g.path.Name(), info.CA, refs)
		if err != nil || expected != g.path {
			return fmt.Errorf("%s: content address does not correspond to this path", g.path)
		}
	}

	for _, ref := range info.References {
		if ref == g.path {
			continue
		}
		if err := g.e.Substitute(ctx, ref); err != nil {
			return fmt.Errorf("reference %s: %v", ref, err)
		}
	}

	// nar.Extract creates its destination itself (as a directory or a
	// regular file, depending on what the NAR's root is), so reserve a
	// unique name without leaving anything there for it to collide with.
	dir, err := os.MkdirTemp(string(g.path.Dir()), ".kiln-sub-*")
	if err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	pr, pw := io.Pipe()
	hasher := nix.NewHasher(info.NARHash.Type())
	counter := &countingReader{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- nar.Extract(dir, io.TeeReader(counter.wrap(pr), hasher))
	}()
	if err := sub.WriteNAR(ctx, info, pw); err != nil {
		pw.CloseWithError(err)
		<-errCh
		return fmt.Errorf("download: %v", err)
	}
	pw.Close()
	if err := <-errCh; err != nil {
		return fmt.Errorf("extract: %v", err)
	}

	if counter.n != info.NARSize {
		return fmt.Errorf("nar size mismatch: got %d bytes, info declares %d", counter.n, info.NARSize)
	}
	if gotHash := hasher.SumHash(); !gotHash.Equal(info.NARHash) {
		return fmt.Errorf("nar hash mismatch: got %v, info declares %v", gotHash, info.NARHash)
	}

	final := string(g.path)
	if err := os.Rename(dir, final); err != nil {
		return fmt.Errorf("move into place: %v", err)
	}

	objInfo := &store.ObjectInfo{
		StorePath: g.path,
		NARHash:   info.NARHash,
		NARSize:   info.NARSize,
		Deriver:   info.Deriver,
		CA:        info.CA,
	}
	for _, ref := range info.References {
		objInfo.References.Add(ref)
	}
	if err := g.e.db.Register(ctx, objInfo); err != nil {
		return fmt.Errorf("register: %v", err)
	}
	return nil
}

// countingReader wraps an io.Reader, tracking the number of bytes read so
// WriteNAR's declared size can be checked against what was actually
// streamed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) wrap(r io.Reader) io.Reader {
	c.r = r
	return c
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func infoReferences(info *store.NARInfo) storepath.References {
	var refs storepath.References
	for _, ref := range info.References {
		if ref == info.StorePath {
			refs.Self = true
			continue
		}
		refs.Others.Add(ref)
	}
	return refs
}
