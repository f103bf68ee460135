// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package derivation implements the in-memory representation, ATerm
// serialization, and JSON serialization of store derivations (spec
// §3 "Derivation" and §4.G).
package derivation

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/aterm"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

// Ext is the file extension for a marshalled [Derivation].
const Ext = storepath.DerivationExt

// DefaultOutputName is the name of the primary output of a derivation.
// It is omitted in a number of contexts.
const DefaultOutputName = "out"

// A Derivation represents a store derivation: a single, specific,
// constant build action (spec §3).
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir storepath.Directory
	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is the OS/architecture tuple the derivation is intended to run on.
	System string
	// Builder is the path to the program that runs the build.
	Builder string
	// Args is the list of arguments passed to the builder program.
	Args []string
	// Env is the environment variables passed to the builder program.
	Env map[string]string

	// InputSources is the set of non-derivation store paths this derivation depends on.
	InputSources sortedset.Set[storepath.Path]
	// InputDerivations maps derivation paths this derivation depends on
	// to the set of output names used from each.
	InputDerivations map[storepath.Path]*sortedset.Set[string]
	// Outputs is the set of outputs the derivation produces.
	Outputs map[string]*Output
}

// Type classifies the addressing scheme shared across a derivation's outputs.
type Type int8

// Defined derivation types.
const (
	// InputAddressedType is used when every output is input-addressed:
	// its path is computed from a hash of the derivation's own text with
	// output paths masked out.
	InputAddressedType Type = 1 + iota
	// FixedOutputType is used when the (single) output is fixed-output:
	// its content address is asserted up front.
	FixedOutputType
	// FloatingCAType is used when every output is floating content-addressed:
	// its content address is only known after the build runs.
	FloatingCAType
	// DeferredType is used when an output depends on the as-yet-unresolved
	// floating content address of another derivation's output.
	DeferredType
)

// Type determines drv's [Type] from its output specs. It returns an error
// if the outputs mix incompatible addressing schemes.
func (drv *Derivation) Type() (Type, error) {
	if len(drv.Outputs) == 0 {
		return 0, fmt.Errorf("derivation %s: no outputs", drv.Name)
	}
	var t Type
	first := true
	for name, out := range drv.Outputs {
		got := out.kind()
		if first {
			t, first = got, false
			continue
		}
		if got != t {
			return 0, fmt.Errorf("derivation %s: output %s mixes addressing schemes", drv.Name, name)
		}
	}
	if t == FixedOutputType && len(drv.Outputs) != 1 {
		return 0, fmt.Errorf("derivation %s: fixed-output derivations must have exactly one output", drv.Name)
	}
	if t == FixedOutputType {
		if _, ok := drv.Outputs[DefaultOutputName]; !ok {
			return 0, fmt.Errorf("derivation %s: fixed-output derivation's output must be named %q", drv.Name, DefaultOutputName)
		}
	}
	return t, nil
}

// References returns the set of other store paths that the derivation
// text itself references (its input sources and input derivations).
func (drv *Derivation) References() storepath.References {
	refs := storepath.References{}
	refs.Others.Grow(drv.InputSources.Len() + len(drv.InputDerivations))
	refs.Others.AddSet(&drv.InputSources)
	for input := range drv.InputDerivations {
		refs.Others.Add(input)
	}
	return refs
}

// Export marshals the derivation in ATerm format and computes the
// derivation's own store path, which is always a text content address:
// a SHA-256 hash of its (unmasked) serialized text, plus its references.
func (drv *Derivation) Export() (storepath.Path, []byte, error) {
	if drv.Name == "" {
		return "", nil, fmt.Errorf("export derivation: missing name")
	}
	if drv.Dir == "" {
		return "", nil, fmt.Errorf("export %s derivation: missing store directory", drv.Name)
	}
	data, err := drv.marshalText(false)
	if err != nil {
		return "", nil, err
	}
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	p, err := storepath.FixedCAOutputPath(
		drv.Dir,
		drv.Name+Ext,
		nix.TextContentAddress(h.SumHash()),
		drv.References(),
	)
	if err != nil {
		return "", data, err
	}
	return p, data, nil
}

// MarshalText converts the derivation to ATerm format (spec §4.G).
func (drv *Derivation) MarshalText() ([]byte, error) {
	return drv.marshalText(false)
}

func (drv *Derivation) marshalText(maskOutputs bool) ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}

	var buf []byte
	buf = append(buf, "Derive(["...)
	for i, outName := range sortedKeys(drv.Outputs) {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = drv.Outputs[outName].marshalText(buf, drv.Dir, drv.Name, outName, maskOutputs)
		if err != nil {
			return nil, fmt.Errorf("marshal %s derivation: %v", drv.Name, err)
		}
	}

	buf = append(buf, "],["...)
	for i, drvPath := range sortedKeys(drv.InputDerivations) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		if got := drvPath.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(drvPath))
		buf = append(buf, ",["...)
		outputs := drv.InputDerivations[drvPath]
		for j := 0; j < outputs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outputs.At(j))
		}
		buf = append(buf, "])"...)
	}

	buf = append(buf, "],["...)
	for i := 0; i < drv.InputSources.Len(); i++ {
		src := drv.InputSources.At(i)
		if i > 0 {
			buf = append(buf, ',')
		}
		if got := src.Dir(); got != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: inputs: unexpected store directory %s (using %s)",
				drv.Name, got, drv.Dir)
		}
		buf = aterm.AppendString(buf, string(src))
	}

	buf = append(buf, "],"...)
	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ","...)
	buf = aterm.AppendString(buf, drv.Builder)

	buf = append(buf, ",["...)
	for i, arg := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, arg)
	}

	buf = append(buf, "],["...)
	for i, k := range sortedKeys(drv.Env) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}

	buf = append(buf, "])"...)
	return buf, nil
}

// Parse parses a derivation from ATerm format (the inverse of
// [Derivation.MarshalText]) and validates internal consistency, per
// spec §4.G.
func Parse(dir storepath.Directory, name string, data []byte) (*Derivation, error) {
	drv := &Derivation{Dir: dir, Name: strings.TrimSuffix(name, Ext)}
	if err := drv.unmarshalText(data); err != nil {
		return nil, err
	}
	if err := drv.Validate(); err != nil {
		return nil, err
	}
	return drv, nil
}

// Validate checks internal consistency required by spec §4.G: every
// fixed-output's declared path equals the one computed from its
// fingerprint, and fixed-output derivations have exactly one output
// named "out". A fixed output's declared path is discarded once checked.
func (drv *Derivation) Validate() error {
	if _, err := drv.Type(); err != nil {
		return err
	}
	for name, out := range drv.Outputs {
		if out == nil || out.typ != fixedCAOutputType {
			continue
		}
		want, err := storepath.FixedCAOutputPath(drv.Dir, outputStoreName(drv.Name, name), out.ca, storepath.References{})
		if err != nil {
			return fmt.Errorf("derivation %s: output %s: %v", drv.Name, name, err)
		}
		if out.declaredPath != "" && out.declaredPath != want {
			return fmt.Errorf("derivation %s: output %s: declared path %s does not match computed path %s", drv.Name, name, out.declaredPath, want)
		}
		// [Output.Path] recomputes the path, so the parsed copy is dropped
		// and a parsed derivation equals the one that was marshalled.
		out.declaredPath = ""
	}
	return nil
}

func (drv *Derivation) unmarshalText(data []byte) error {
	var ok bool
	data, ok = bytes.CutPrefix(data, []byte("Derive(["))
	if !ok {
		return fmt.Errorf("parse %s derivation: file header not found", drv.Name)
	}

	drv.Outputs = make(map[string]*Output)
	for {
		if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
			data = rest
			break
		}
		if len(drv.Outputs) > 0 {
			rest, ok := bytes.CutPrefix(data, []byte(","))
			if !ok {
				return fmt.Errorf("parse %s derivation: outputs: expected ',' or ']'", drv.Name)
			}
			data = rest
		}
		var outName string
		var out *Output
		var err error
		outName, out, data, err = parseOutput(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: %v", drv.Name, err)
		}
		if _, exists := drv.Outputs[outName]; exists {
			return fmt.Errorf("parse %s derivation: multiple outputs named %q", drv.Name, outName)
		}
		drv.Outputs[outName] = out
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected input derivations list after outputs", drv.Name)
	}
	drv.InputDerivations = make(map[storepath.Path]*sortedset.Set[string])
	for {
		if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
			data = rest
			break
		}
		if len(drv.InputDerivations) > 0 {
			rest, ok := bytes.CutPrefix(data, []byte(","))
			if !ok {
				return fmt.Errorf("parse %s derivation: input derivations: expected ',' or ']'", drv.Name)
			}
			data = rest
		}
		rest, ok := bytes.CutPrefix(data, []byte("("))
		if !ok {
			return fmt.Errorf("parse %s derivation: input derivations: expected '('", drv.Name)
		}
		data = rest
		var pathString string
		var err error
		pathString, data, err = parseATermString(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: input derivations: %v", drv.Name, err)
		}
		drvPath, err := storepath.ParsePath(pathString)
		if err != nil {
			return fmt.Errorf("parse %s derivation: input derivations: %v", drv.Name, err)
		}
		data, ok = bytes.CutPrefix(data, []byte(",["))
		if !ok {
			return fmt.Errorf("parse %s derivation: input derivations: expected ',[' after path", drv.Name)
		}
		outputs := new(sortedset.Set[string])
		for {
			if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
				data = rest
				break
			}
			if outputs.Len() > 0 {
				rest, ok := bytes.CutPrefix(data, []byte(","))
				if !ok {
					return fmt.Errorf("parse %s derivation: input derivations: expected ',' or ']'", drv.Name)
				}
				data = rest
			}
			var s string
			s, data, err = parseATermString(data)
			if err != nil {
				return fmt.Errorf("parse %s derivation: input derivations: %v", drv.Name, err)
			}
			outputs.Add(s)
		}
		data, ok = bytes.CutPrefix(data, []byte(")"))
		if !ok {
			return fmt.Errorf("parse %s derivation: input derivations: expected ')'", drv.Name)
		}
		drv.InputDerivations[drvPath] = outputs
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected input sources list", drv.Name)
	}
	for {
		if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
			data = rest
			break
		}
		if drv.InputSources.Len() > 0 {
			rest, ok := bytes.CutPrefix(data, []byte(","))
			if !ok {
				return fmt.Errorf("parse %s derivation: input sources: expected ',' or ']'", drv.Name)
			}
			data = rest
		}
		var s string
		var err error
		s, data, err = parseATermString(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: input sources: %v", drv.Name, err)
		}
		srcPath, err := storepath.ParsePath(s)
		if err != nil {
			return fmt.Errorf("parse %s derivation: input sources: %v", drv.Name, err)
		}
		drv.InputSources.Add(srcPath)
	}

	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected ',' after input sources", drv.Name)
	}
	var err error
	drv.System, data, err = parseATermString(data)
	if err != nil {
		return fmt.Errorf("parse %s derivation: platform: %v", drv.Name, err)
	}
	data, ok = bytes.CutPrefix(data, []byte(","))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected ',' after platform", drv.Name)
	}
	drv.Builder, data, err = parseATermString(data)
	if err != nil {
		return fmt.Errorf("parse %s derivation: builder: %v", drv.Name, err)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected args list", drv.Name)
	}
	for {
		if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
			data = rest
			break
		}
		if len(drv.Args) > 0 {
			rest, ok := bytes.CutPrefix(data, []byte(","))
			if !ok {
				return fmt.Errorf("parse %s derivation: args: expected ',' or ']'", drv.Name)
			}
			data = rest
		}
		var arg string
		arg, data, err = parseATermString(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: args: %v", drv.Name, err)
		}
		drv.Args = append(drv.Args, arg)
	}

	data, ok = bytes.CutPrefix(data, []byte(",["))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected env list", drv.Name)
	}
	drv.Env = make(map[string]string)
	for {
		if rest, ok := bytes.CutPrefix(data, []byte("]")); ok {
			data = rest
			break
		}
		if len(drv.Env) > 0 {
			rest, ok := bytes.CutPrefix(data, []byte(","))
			if !ok {
				return fmt.Errorf("parse %s derivation: env: expected ',' or ']'", drv.Name)
			}
			data = rest
		}
		rest, ok := bytes.CutPrefix(data, []byte("("))
		if !ok {
			return fmt.Errorf("parse %s derivation: env: expected '('", drv.Name)
		}
		data = rest
		var k, v string
		k, data, err = parseATermString(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
		}
		data, ok = bytes.CutPrefix(data, []byte(","))
		if !ok {
			return fmt.Errorf("parse %s derivation: env: expected ',' after key", drv.Name)
		}
		v, data, err = parseATermString(data)
		if err != nil {
			return fmt.Errorf("parse %s derivation: env: %v", drv.Name, err)
		}
		data, ok = bytes.CutPrefix(data, []byte(")"))
		if !ok {
			return fmt.Errorf("parse %s derivation: env: expected ')'", drv.Name)
		}
		drv.Env[k] = v
	}

	data, ok = bytes.CutPrefix(data, []byte(")"))
	if !ok {
		return fmt.Errorf("parse %s derivation: expected closing ')'", drv.Name)
	}
	if len(data) > 0 {
		return fmt.Errorf("parse %s derivation: trailing data", drv.Name)
	}
	return nil
}

// parseATermString parses a double-quoted ATerm string at the start of
// data, returning the decoded value and the remaining bytes.
func parseATermString(data []byte) (s string, tail []byte, err error) {
	if len(data) == 0 || data[0] != '"' {
		return "", data, fmt.Errorf("parse aterm string: expected '\"'")
	}
	data = data[1:]
	sb := new(strings.Builder)
	for {
		if len(data) == 0 {
			return "", data, fmt.Errorf("parse aterm string: unexpected end of input")
		}
		c := data[0]
		data = data[1:]
		if c == '"' {
			return sb.String(), data, nil
		}
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if len(data) == 0 {
			return "", data, fmt.Errorf("parse aterm string: unexpected end of input")
		}
		esc := data[0]
		data = data[1:]
		switch esc {
		case '"', '\\':
			sb.WriteByte(esc)
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			return "", data, fmt.Errorf("parse aterm string: unknown escape sequence '\\%c'", esc)
		}
	}
}

func outputStoreName(drvName, outputName string) string {
	if outputName == DefaultOutputName {
		return drvName
	}
	return drvName + "-" + outputName
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
