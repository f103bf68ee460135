// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"fmt"
	"maps"
	"strings"

	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

// Resolve returns a copy of drv with every input derivation replaced by the
// realized output paths given in realizations, per spec §4.H.2's
// resolution step: a derivation cannot be built until each of its own
// input derivations' wanted outputs has a concrete store path, so
// [UnknownCAOutputPlaceholder] occurrences in the builder, arguments, and
// environment are rewritten to those paths and InputDerivations collapses
// into InputSources.
//
// realizations must contain an entry for every output name drv uses from
// every one of its InputDerivations; Resolve returns an error otherwise.
func (drv *Derivation) Resolve(realizations map[storepath.Path]map[string]storepath.Path) (*Derivation, error) {
	var rewrites []string
	newInputs := new(sortedset.Set[storepath.Path])
	for inputDrvPath, outputNames := range drv.InputDerivations {
		for i := 0; i < outputNames.Len(); i++ {
			outName := outputNames.At(i)
			actual := realizations[inputDrvPath][outName]
			if actual == "" {
				return nil, fmt.Errorf("resolve %s: missing realization for %s!%s", drv.Name, inputDrvPath, outName)
			}
			newInputs.Add(actual)
			rewrites = append(rewrites, UnknownCAOutputPlaceholder(inputDrvPath, outName), string(actual))
		}
	}

	r := strings.NewReplacer(rewrites...)
	resolved := &Derivation{
		Dir:          drv.Dir,
		Name:         drv.Name,
		System:       drv.System,
		Builder:      r.Replace(drv.Builder),
		Outputs:      maps.Clone(drv.Outputs),
		InputSources: *drv.InputSources.Clone(),
	}
	resolved.InputSources.AddSet(newInputs)
	if len(drv.Args) > 0 {
		resolved.Args = make([]string, len(drv.Args))
		for i, arg := range drv.Args {
			resolved.Args[i] = r.Replace(arg)
		}
	}
	if len(drv.Env) > 0 {
		resolved.Env = make(map[string]string, len(drv.Env))
		for k, v := range drv.Env {
			resolved.Env[k] = r.Replace(v)
		}
	}
	return resolved, nil
}
