// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

type jsonDerivation struct {
	Name      string                 `json:"name"`
	System    string                 `json:"system"`
	Builder   string                 `json:"builder"`
	Args      []string               `json:"args,omitempty"`
	Env       map[string]string      `json:"env,omitempty"`
	InputSrcs []string               `json:"inputSrcs,omitempty"`
	InputDrvs map[string][]string    `json:"inputDrvs,omitempty"`
	Outputs   map[string]*jsonOutput `json:"outputs"`
}

type jsonOutput struct {
	Path     string `json:"path,omitempty"`
	HashAlgo string `json:"hashAlgo,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// MarshalJSON converts the derivation to the JSON form specified in spec
// §4.G, which must round-trip with the ATerm form.
func (drv *Derivation) MarshalJSON() ([]byte, error) {
	jd := jsonDerivation{
		Name:      drv.Name,
		System:    drv.System,
		Builder:   drv.Builder,
		Args:      drv.Args,
		Env:       drv.Env,
		InputDrvs: make(map[string][]string, len(drv.InputDerivations)),
		Outputs:   make(map[string]*jsonOutput, len(drv.Outputs)),
	}
	for i := 0; i < drv.InputSources.Len(); i++ {
		jd.InputSrcs = append(jd.InputSrcs, string(drv.InputSources.At(i)))
	}
	for drvPath, outputs := range drv.InputDerivations {
		names := make([]string, outputs.Len())
		for i := range names {
			names[i] = outputs.At(i)
		}
		jd.InputDrvs[string(drvPath)] = names
	}
	for name, out := range drv.Outputs {
		jo := new(jsonOutput)
		switch {
		case out == nil || out.typ == deferredOutputType:
			// all fields empty
		case out.typ == inputAddressedOutputType:
			jo.Path = string(out.declaredPath)
		case out.typ == fixedCAOutputType:
			if p, ok := out.Path(drv.Dir, drv.Name, name); ok {
				jo.Path = string(p)
			}
			h := out.ca.Hash()
			jo.HashAlgo = storepath.MethodOfContentAddress(out.ca).Prefix() + h.Type().String()
			jo.Hash = h.RawBase16()
		case out.typ == floatingCAOutputType:
			jo.HashAlgo = out.method.Prefix() + out.hashAlgo.String()
		}
		jd.Outputs[name] = jo
	}
	return json.Marshal(jd)
}

// ParseJSON parses a derivation from the JSON form specified in spec §4.G.
func ParseJSON(dir storepath.Directory, data []byte) (*Derivation, error) {
	var jd jsonDerivation
	if err := json.Unmarshal(data, &jd); err != nil {
		return nil, fmt.Errorf("parse derivation json: %v", err)
	}

	drv := &Derivation{
		Dir:              dir,
		Name:             jd.Name,
		System:           jd.System,
		Builder:          jd.Builder,
		Args:             jd.Args,
		Env:              jd.Env,
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          make(map[string]*Output, len(jd.Outputs)),
	}
	if drv.Env == nil {
		drv.Env = make(map[string]string)
	}
	for _, s := range jd.InputSrcs {
		p, err := storepath.ParsePath(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation json: input sources: %v", err)
		}
		drv.InputSources.Add(p)
	}
	for s, names := range jd.InputDrvs {
		p, err := storepath.ParsePath(s)
		if err != nil {
			return nil, fmt.Errorf("parse derivation json: input derivations: %v", err)
		}
		set := new(sortedset.Set[string])
		set.Add(names...)
		drv.InputDerivations[p] = set
	}
	for name, jo := range jd.Outputs {
		out, err := outputFromJSON(jo)
		if err != nil {
			return nil, fmt.Errorf("parse derivation json: output %s: %v", name, err)
		}
		drv.Outputs[name] = out
	}
	if err := drv.Validate(); err != nil {
		return nil, err
	}
	return drv, nil
}

func outputFromJSON(jo *jsonOutput) (*Output, error) {
	if jo == nil || (jo.Path == "" && jo.HashAlgo == "" && jo.Hash == "") {
		return DeferredOutput(), nil
	}
	if jo.HashAlgo == "" {
		p, err := storepath.ParsePath(jo.Path)
		if err != nil {
			return nil, err
		}
		return InputAddressedOutput(p), nil
	}
	method, hashAlgo, err := storepath.ParseHashAlgorithm(jo.HashAlgo)
	if err != nil {
		return nil, err
	}
	if jo.Hash == "" {
		switch method {
		case storepath.FlatFileIngestion:
			return FlatFileFloatingCAOutput(hashAlgo), nil
		case storepath.RecursiveFileIngestion:
			return RecursiveFileFloatingCAOutput(hashAlgo), nil
		default:
			return nil, fmt.Errorf("floating outputs cannot use text hashing")
		}
	}
	hashBits, err := hex.DecodeString(jo.Hash)
	if err != nil {
		return nil, err
	}
	if got, want := len(hashBits), hashAlgo.Size(); got != want {
		return nil, fmt.Errorf("hash: incorrect size (got %d bytes but %v uses %d)", got, hashAlgo, want)
	}
	h := nix.NewHash(hashAlgo, hashBits)
	var out *Output
	switch method {
	case storepath.FlatFileIngestion:
		out = FixedCAOutput(nix.FlatFileContentAddress(h))
	case storepath.RecursiveFileIngestion:
		out = FixedCAOutput(nix.RecursiveFileContentAddress(h))
	case storepath.TextIngestion:
		out = FixedCAOutput(nix.TextContentAddress(h))
	default:
		return nil, fmt.Errorf("unhandled hash algorithm %q", jo.HashAlgo)
	}
	if jo.Path != "" {
		p, err := storepath.ParsePath(jo.Path)
		if err != nil {
			return nil, err
		}
		out.declaredPath = p
	}
	return out, nil
}
