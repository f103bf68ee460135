// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/kilnerr"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// WriteObjectInfo writes info's fields as a frame body: store path, NAR
// hash, NAR size, references, deriver, and content address. This is the
// wire equivalent of a .narinfo/export trailer (spec §4.D), used by
// OpQueryPathInfo's response and OpImportPaths' request.
func WriteObjectInfo(w *Writer, info *store.ObjectInfo) error {
	if err := w.TextMarshaler(info.StorePath); err != nil {
		return err
	}
	if err := w.String(info.NARHash.SRI()); err != nil {
		return err
	}
	if err := w.Int64(info.NARSize); err != nil {
		return err
	}
	refs := make([]string, info.References.Len())
	for i := range refs {
		refs[i] = string(info.References.At(i))
	}
	if err := w.Strings(refs); err != nil {
		return err
	}
	if err := w.String(string(info.Deriver)); err != nil {
		return err
	}
	if err := w.String(info.CA.String()); err != nil {
		return err
	}
	return w.Err()
}

// ReadObjectInfo reads a frame body written by [WriteObjectInfo].
func ReadObjectInfo(r *Reader) (*store.ObjectInfo, error) {
	info := new(store.ObjectInfo)
	if err := r.TextUnmarshaler(&info.StorePath); err != nil {
		return nil, err
	}
	hashText, err := r.String()
	if err != nil {
		return nil, err
	}
	info.NARHash, err = nix.ParseHash(hashText)
	if err != nil {
		return nil, fmt.Errorf("wire: read object info: %v", err)
	}
	info.NARSize, err = r.Int64()
	if err != nil {
		return nil, err
	}
	refs, err := r.Strings()
	if err != nil {
		return nil, err
	}
	refSet := sortedset.New[storepath.Path]()
	for _, ref := range refs {
		refSet.Add(storepath.Path(ref))
	}
	info.References = *refSet
	deriverText, err := r.String()
	if err != nil {
		return nil, err
	}
	info.Deriver = storepath.Path(deriverText)
	caText, err := r.String()
	if err != nil {
		return nil, err
	}
	if caText != "" {
		info.CA, err = nix.ParseContentAddress(caText)
		if err != nil {
			return nil, fmt.Errorf("wire: read object info: %v", err)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// BuildTarget names one element of a BuildPaths request: either an
// opaque store path that must end up valid (built or substituted as
// needed), or a specific derivation output to realise (spec §4.K's
// `Opaque(path)` / `Built(drv-path, outputs-spec)` target variants).
type BuildTarget struct {
	Opaque  storepath.Path
	DrvPath storepath.Path
	Outputs []string
}

// WriteBuildTarget writes t as a frame body.
func WriteBuildTarget(w *Writer, t BuildTarget) error {
	opaque := t.Opaque != ""
	if err := w.Bool(opaque); err != nil {
		return err
	}
	if opaque {
		return w.TextMarshaler(t.Opaque)
	}
	if err := w.TextMarshaler(t.DrvPath); err != nil {
		return err
	}
	return w.Strings(t.Outputs)
}

// ReadBuildTarget reads a frame body written by [WriteBuildTarget].
func ReadBuildTarget(r *Reader) (BuildTarget, error) {
	opaque, err := r.Bool()
	if err != nil {
		return BuildTarget{}, err
	}
	if opaque {
		var p storepath.Path
		if err := r.TextUnmarshaler(&p); err != nil {
			return BuildTarget{}, err
		}
		return BuildTarget{Opaque: p}, nil
	}
	var drvPath storepath.Path
	if err := r.TextUnmarshaler(&drvPath); err != nil {
		return BuildTarget{}, err
	}
	outputs, err := r.Strings()
	if err != nil {
		return BuildTarget{}, err
	}
	return BuildTarget{DrvPath: drvPath, Outputs: outputs}, nil
}

// WriteError writes err as an error frame body: a [kilnerr.Kind] (zero
// if err carries none) followed by its message, so a client can match on
// kind with [kilnerr.Is] without parsing text (spec §7's propagation
// policy: the kind survives the trip across the wire even though the Go
// error chain does not).
func WriteError(w *Writer, err error) error {
	kind, _ := kilnerr.KindOf(err)
	if werr := w.Uint32(uint32(kind)); werr != nil {
		return werr
	}
	return w.String(err.Error())
}

// ReadError reads an error frame body written by [WriteError].
func ReadError(r *Reader) error {
	kindNum, err := r.Uint32()
	if err != nil {
		return err
	}
	msg, err := r.String()
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	if kindNum == 0 {
		return fmt.Errorf("%s", msg)
	}
	return kilnerr.New(kilnerr.Kind(kindNum), "%s", msg)
}
