// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"encoding/hex"
	"fmt"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/aterm"
	"kiln.build/kiln/storepath"
)

type outputType int8

const (
	// inputAddressedOutputType is used when the output's path is known up
	// front because it's derived from a hash of the derivation's own text.
	inputAddressedOutputType outputType = 1 + iota
	// fixedCAOutputType is used when the output's content address is
	// asserted by the derivation itself.
	fixedCAOutputType
	// floatingCAOutputType is used when the output's content address is
	// only known once the build has run.
	floatingCAOutputType
	// deferredOutputType is used when the output depends on another
	// derivation's floating output, which hasn't been resolved yet.
	deferredOutputType
)

// An Output describes the content addressing scheme of one output of a
// [Derivation], per spec §3's OutputSpec.
type Output struct {
	typ          outputType
	declaredPath storepath.Path
	ca           nix.ContentAddress
	method       storepath.IngestionMethod
	hashAlgo     nix.HashType
}

// InputAddressedOutput returns an [Output] whose path is fixed at path,
// computed from a hash of the derivation's text with output paths masked out.
func InputAddressedOutput(path storepath.Path) *Output {
	return &Output{typ: inputAddressedOutputType, declaredPath: path}
}

// FixedCAOutput returns an [Output] that must match the given content
// address assertion.
func FixedCAOutput(ca nix.ContentAddress) *Output {
	return &Output{typ: fixedCAOutputType, ca: ca}
}

// FlatFileFloatingCAOutput returns an [Output] that must be a single file
// and will be hashed with the given algorithm. The hash will not be known
// until the derivation is realized.
func FlatFileFloatingCAOutput(hashAlgo nix.HashType) *Output {
	return &Output{typ: floatingCAOutputType, method: storepath.FlatFileIngestion, hashAlgo: hashAlgo}
}

// RecursiveFileFloatingCAOutput returns an [Output] that is hashed as a NAR
// with the given algorithm. The hash will not be known until the derivation
// is realized.
func RecursiveFileFloatingCAOutput(hashAlgo nix.HashType) *Output {
	return &Output{typ: floatingCAOutputType, method: storepath.RecursiveFileIngestion, hashAlgo: hashAlgo}
}

// DeferredOutput returns an [Output] whose addressing scheme cannot be
// determined yet because it depends on another derivation's unresolved
// floating output.
func DeferredOutput() *Output {
	return &Output{typ: deferredOutputType}
}

// IsFixed reports whether the output was created by [FixedCAOutput].
func (out *Output) IsFixed() bool {
	return out != nil && out.typ == fixedCAOutputType
}

// IsFloating reports whether the output's content hash cannot be known
// until the derivation is realized. This is true for outputs returned by
// [FlatFileFloatingCAOutput] and [RecursiveFileFloatingCAOutput].
func (out *Output) IsFloating() bool {
	return out != nil && out.typ == floatingCAOutputType
}

// IsInputAddressed reports whether the output was created by [InputAddressedOutput].
func (out *Output) IsInputAddressed() bool {
	return out != nil && out.typ == inputAddressedOutputType
}

// IsDeferred reports whether the output was created by [DeferredOutput].
func (out *Output) IsDeferred() bool {
	return out == nil || out.typ == deferredOutputType
}

// FloatingCA returns the ingestion method and hash algorithm of a
// floating content-addressed output (an output created by
// [FlatFileFloatingCAOutput] or [RecursiveFileFloatingCAOutput]), for use
// by the realisation engine once the build has produced the output and
// its real content address can be computed.
func (out *Output) FloatingCA() (method storepath.IngestionMethod, hashAlgo nix.HashType, ok bool) {
	if out == nil || out.typ != floatingCAOutputType {
		return 0, 0, false
	}
	return out.method, out.hashAlgo, true
}

// FixedCA returns the content address asserted by a fixed-output output
// (an output created by [FixedCAOutput]).
func (out *Output) FixedCA() (ca nix.ContentAddress, ok bool) {
	if out == nil || out.typ != fixedCAOutputType {
		return nix.ContentAddress{}, false
	}
	return out.ca, true
}

func (out *Output) kind() Type {
	if out == nil {
		return DeferredType
	}
	switch out.typ {
	case inputAddressedOutputType:
		return InputAddressedType
	case fixedCAOutputType:
		return FixedOutputType
	case floatingCAOutputType:
		return FloatingCAType
	default:
		return DeferredType
	}
}

// Path returns a fixed-output or input-addressed output's store object
// path for the given store directory, derivation name (e.g. "hello"), and
// output name (e.g. "out").
func (out *Output) Path(dir storepath.Directory, drvName, outputName string) (path storepath.Path, ok bool) {
	if out == nil {
		return "", false
	}
	switch out.typ {
	case inputAddressedOutputType:
		return out.declaredPath, out.declaredPath != ""
	case fixedCAOutputType:
		p, err := storepath.FixedCAOutputPath(dir, outputStoreName(drvName, outputName), out.ca, storepath.References{})
		return p, err == nil
	default:
		return "", false
	}
}

func (out *Output) marshalText(dst []byte, storeDir storepath.Directory, drvName, outName string, maskOutputs bool) ([]byte, error) {
	dst = append(dst, '(')
	dst = aterm.AppendString(dst, outName)
	if out == nil {
		dst = append(dst, `,"","","")`...)
		return dst, nil
	}
	switch out.typ {
	case inputAddressedOutputType:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			dst = aterm.AppendString(dst, string(out.declaredPath))
		}
		dst = append(dst, `,"",""`...)
	case fixedCAOutputType:
		if maskOutputs {
			dst = append(dst, `,""`...)
		} else {
			dst = append(dst, ',')
			p, ok := out.Path(storeDir, drvName, outName)
			if !ok {
				return dst, fmt.Errorf("marshal %s output: invalid path", outName)
			}
			dst = aterm.AppendString(dst, string(p))
		}
		dst = append(dst, ',')
		h := out.ca.Hash()
		dst = aterm.AppendString(dst, storepath.MethodOfContentAddress(out.ca).Prefix()+h.Type().String())
		dst = append(dst, ',')
		dst = aterm.AppendString(dst, h.RawBase16())
	case floatingCAOutputType:
		dst = append(dst, `,"",`...)
		dst = aterm.AppendString(dst, out.method.Prefix()+out.hashAlgo.String())
		dst = append(dst, `,""`...)
	case deferredOutputType:
		dst = append(dst, `,"","","")`...)
		return dst, nil
	default:
		return dst, fmt.Errorf("marshal %s output: invalid type %v", outName, out.typ)
	}
	dst = append(dst, ')')
	return dst, nil
}

// parseOutput parses one "(name,path,hashAlgo,hash)" ATerm tuple from the
// start of data, returning the output name, the parsed output, and the
// remaining bytes.
func parseOutput(data []byte) (outName string, out *Output, tail []byte, err error) {
	data, ok := cutByte(data, '(')
	if !ok {
		return "", nil, data, fmt.Errorf("parse output: expected '('")
	}
	outName, data, err = parseATermString(data)
	if err != nil {
		return "", nil, data, fmt.Errorf("parse output: name: %v", err)
	}

	data, ok = cutByte(data, ',')
	if !ok {
		return outName, nil, data, fmt.Errorf("parse %s output: expected ',' after name", outName)
	}
	path, data, err := parseATermString(data)
	if err != nil {
		return outName, nil, data, fmt.Errorf("parse %s output: path: %v", outName, err)
	}

	data, ok = cutByte(data, ',')
	if !ok {
		return outName, nil, data, fmt.Errorf("parse %s output: expected ',' after path", outName)
	}
	caInfo, data, err := parseATermString(data)
	if err != nil {
		return outName, nil, data, fmt.Errorf("parse %s output: hash algorithm: %v", outName, err)
	}

	data, ok = cutByte(data, ',')
	if !ok {
		return outName, nil, data, fmt.Errorf("parse %s output: expected ',' after hash algorithm", outName)
	}
	hashHex, data, err := parseATermString(data)
	if err != nil {
		return outName, nil, data, fmt.Errorf("parse %s output: hash: %v", outName, err)
	}

	data, ok = cutByte(data, ')')
	if !ok {
		return outName, nil, data, fmt.Errorf("parse %s output: expected ')' after hash", outName)
	}

	switch {
	case path == "" && caInfo == "" && hashHex == "":
		out = DeferredOutput()
	case caInfo == "" && hashHex == "":
		storePath, err := storepath.ParsePath(path)
		if err != nil {
			return outName, nil, data, fmt.Errorf("parse %s output: path: %v", outName, err)
		}
		out = InputAddressedOutput(storePath)
	case hashHex == "":
		method, hashAlgo, err := storepath.ParseHashAlgorithm(caInfo)
		if err != nil {
			return outName, nil, data, fmt.Errorf("parse %s output: hash algorithm: %v", outName, err)
		}
		switch method {
		case storepath.FlatFileIngestion:
			out = FlatFileFloatingCAOutput(hashAlgo)
		case storepath.RecursiveFileIngestion:
			out = RecursiveFileFloatingCAOutput(hashAlgo)
		default:
			return outName, nil, data, fmt.Errorf("parse %s output: floating outputs cannot use text hashing", outName)
		}
	default:
		method, hashAlgo, err := storepath.ParseHashAlgorithm(caInfo)
		if err != nil {
			return outName, nil, data, fmt.Errorf("parse %s output: hash algorithm: %v", outName, err)
		}
		hashBits, err := hex.DecodeString(hashHex)
		if err != nil {
			return outName, nil, data, fmt.Errorf("parse %s output: hash: %v", outName, err)
		}
		if got, want := len(hashBits), hashAlgo.Size(); got != want {
			return outName, nil, data, fmt.Errorf("parse %s output: hash: incorrect size (got %d bytes but %v uses %d)",
				outName, got, hashAlgo, want)
		}
		h := nix.NewHash(hashAlgo, hashBits)
		switch method {
		case storepath.FlatFileIngestion:
			out = FixedCAOutput(nix.FlatFileContentAddress(h))
		case storepath.RecursiveFileIngestion:
			out = FixedCAOutput(nix.RecursiveFileContentAddress(h))
		case storepath.TextIngestion:
			out = FixedCAOutput(nix.TextContentAddress(h))
		default:
			return outName, nil, data, fmt.Errorf("parse %s output: unhandled hash algorithm %q", outName, caInfo)
		}
		if path != "" {
			declaredPath, err := storepath.ParsePath(path)
			if err != nil {
				return outName, nil, data, fmt.Errorf("parse %s output: path: %v", outName, err)
			}
			out.declaredPath = declaredPath
		}
	}
	return outName, out, data, nil
}

func cutByte(data []byte, c byte) ([]byte, bool) {
	if len(data) == 0 || data[0] != c {
		return data, false
	}
	return data[1:], true
}
