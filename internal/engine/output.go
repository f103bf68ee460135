// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/derivation"
	"kiln.build/kiln/internal/scan"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/nar"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// postProcessOutput computes the metadata for a just-built output and, for
// an output whose final path is not known until scanned, moves it into
// place (spec §4.H.2's RegisteredOutputs step). buildPath is where the
// builder actually wrote the output: the declared path for fixed-output
// and input-addressed outputs, or a scratch path (see
// [storepath.TempOutputPath]) for floating content-addressed ones.
func (g *derivationGoal) postProcessOutput(ctx context.Context, drv *derivation.Derivation, out *derivation.Output, buildPath storepath.Path) (*store.ObjectInfo, error) {
	if _, err := os.Lstat(string(buildPath)); err != nil {
		return nil, fmt.Errorf("missing output %s: %v", buildPath, err)
	}

	if ca, ok := out.FixedCA(); ok {
		narHash, narSize, err := verifyFixedOutput(string(buildPath), ca)
		if err != nil {
			return nil, err
		}
		return &store.ObjectInfo{
			StorePath: buildPath,
			Deriver:   g.drvPath,
			NARHash:   narHash,
			NARSize:   narSize,
			CA:        ca,
		}, nil
	}

	return g.postProcessScannedOutput(ctx, buildPath, &drv.InputSources, out.IsInputAddressed())
}

// verifyFixedOutput checks that the regular file or directory tree at path
// matches the content address it was declared with, and returns the hash
// and size of its NAR serialization (distinct from the content address's
// own hash, which may use a different algorithm or ingestion method).
func verifyFixedOutput(path string, ca nix.ContentAddress) (nix.Hash, int64, error) {
	narHash, narSize, err := dumpNARHash(path)
	if err != nil {
		return nix.Hash{}, 0, err
	}

	h := nix.NewHasher(ca.Hash().Type())
	switch storepath.MethodOfContentAddress(ca) {
	case storepath.RecursiveFileIngestion:
		if err := nar.DumpPath(h, path); err != nil {
			return nix.Hash{}, 0, err
		}
	default:
		f, err := os.Open(path)
		if err != nil {
			return nix.Hash{}, 0, err
		}
		_, copyErr := io.Copy(h, f)
		closeErr := f.Close()
		if copyErr != nil {
			return nix.Hash{}, 0, copyErr
		}
		if closeErr != nil {
			return nix.Hash{}, 0, closeErr
		}
	}
	if got := h.SumHash(); !got.Equal(ca.Hash()) {
		return nix.Hash{}, 0, fmt.Errorf("content does not match fixed output hash (got %v, want %v)", got, ca.Hash())
	}
	return narHash, narSize, nil
}

func dumpNARHash(path string) (nix.Hash, int64, error) {
	h := nix.NewHasher(nix.SHA256)
	counter := &byteCounter{}
	if err := nar.DumpPath(io.MultiWriter(h, counter), path); err != nil {
		return nix.Hash{}, 0, err
	}
	return h.SumHash(), counter.n, nil
}

type byteCounter struct{ n int64 }

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// postProcessScannedOutput handles outputs whose references (and, for
// floating content-addressed outputs, final path) are only known once the
// build artifact has been scanned for occurrences of other store paths'
// digests and its own scratch digest. If keepPath is true (an
// input-addressed output), the output stays at buildPath and is recorded
// without a content address.
func (g *derivationGoal) postProcessScannedOutput(ctx context.Context, buildPath storepath.Path, inputs *sortedset.Set[storepath.Path], keepPath bool) (*store.ObjectInfo, error) {
	inputDigests := make([]string, 0, inputs.Len())
	for i := 0; i < inputs.Len(); i++ {
		inputDigests = append(inputDigests, inputs.At(i).Digest())
	}

	counter := &byteCounter{}
	h := nix.NewHasher(nix.SHA256)
	refFinder := scan.New(inputDigests)
	pr, pw := io.Pipe()
	dumpDone := make(chan error, 1)
	go func() {
		err := nar.DumpPath(io.MultiWriter(counter, h, refFinder, pw), string(buildPath))
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
		dumpDone <- err
	}()

	ca, err := storepath.SourceSHA256ContentAddress(buildPath.Digest(), pr)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %v", buildPath, err)
	}
	if err := <-dumpDone; err != nil {
		return nil, fmt.Errorf("scan %s: %v", buildPath, err)
	}

	var refs storepath.References
	digestsFound := refFinder.Found()
	for i := 0; i < digestsFound.Len(); i++ {
		digest := digestsFound.At(i)
		if digest == buildPath.Digest() {
			refs.Self = true
			continue
		}
		idx, ok := sort.Find(inputs.Len(), func(i int) int {
			return strings.Compare(digest, inputs.At(i).Digest())
		})
		if !ok {
			return nil, fmt.Errorf("scan %s: could not find digest %q among declared inputs", buildPath, digest)
		}
		refs.Others.Add(inputs.At(idx))
	}

	finalPath, err := storepath.FixedCAOutputPath(buildPath.Dir(), buildPath.Name(), ca, refs)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %v", buildPath, err)
	}
	if keepPath {
		finalPath, ca = buildPath, nix.ContentAddress{}
	}

	if finalPath != buildPath {
		if existing, err := g.e.db.PathInfo(ctx, finalPath); err == nil {
			if rmErr := os.RemoveAll(string(buildPath)); rmErr != nil {
				return nil, fmt.Errorf("clean up duplicate output %s: %v", buildPath, rmErr)
			}
			return existing, nil
		}
	}

	var narHash nix.Hash
	switch {
	case !refs.Self:
		narHash = h.SumHash()
		if finalPath != buildPath {
			if err := os.Rename(string(buildPath), string(finalPath)); err != nil {
				return nil, fmt.Errorf("move %s to %s: %v", buildPath, finalPath, err)
			}
		}
	default:
		narHash, err = finalizeSelfReferentialOutput(string(buildPath), string(finalPath), buildPath.Digest(), finalPath.Digest())
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %v", buildPath, err)
		}
	}

	info := &store.ObjectInfo{
		StorePath: finalPath,
		Deriver:   g.drvPath,
		NARHash:   narHash,
		NARSize:   counter.n,
		CA:        ca,
	}
	for i := 0; i < refs.Others.Len(); i++ {
		info.References.Add(refs.Others.At(i))
	}
	if refs.Self {
		info.References.Add(finalPath)
	}
	return info, nil
}

// finalizeSelfReferentialOutput moves a self-referential build artifact
// from buildPath to finalPath, rewriting every occurrence of the build's
// scratch digest to the final digest, and returns the hash of the
// rewritten NAR serialization.
func finalizeSelfReferentialOutput(buildPath, finalPath, buildDigest, finalDigest string) (nix.Hash, error) {
	h := nix.NewHasher(nix.SHA256)
	if buildPath == finalPath {
		if err := nar.DumpPath(h, buildPath); err != nil {
			return nix.Hash{}, err
		}
		return h.SumHash(), nil
	}

	pr, pw := io.Pipe()
	dumpDone := make(chan error, 1)
	go func() {
		err := nar.DumpPath(pw, buildPath)
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
		dumpDone <- err
	}()

	hmr := scan.NewHashModuloReader(buildDigest, finalDigest, pr)
	tempDest := finalPath + ".tmp"
	if err := nar.Extract(tempDest, io.TeeReader(hmr, h)); err != nil {
		return nix.Hash{}, err
	}
	if err := <-dumpDone; err != nil {
		return nix.Hash{}, err
	}
	if err := os.RemoveAll(buildPath); err != nil {
		return nix.Hash{}, err
	}
	if err := os.Rename(tempDest, finalPath); err != nil {
		return nix.Hash{}, err
	}
	return h.SumHash(), nil
}
