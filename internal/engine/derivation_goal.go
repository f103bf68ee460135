// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"kiln.build/kiln/derivation"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/storepath"
)

// derivationGoal implements spec §4.H.2's DerivationGoal. It loads the
// derivation, realises its input derivations and input sources, then checks
// each output for an existing valid path or a substitute, and builds only if
// some output is still missing. Inputs are realised before the outputs are
// checked, so they are realised even when every wanted output is already
// valid. The states are not represented as literal re-entrant
// steps (the cooperative "Await" scheduling of the original design) but as
// an ordinary sequential function: concurrency across goals comes from each
// one running in its own goroutine via [Engine.run], and concurrency across
// a single goal's own dependencies comes from an errgroup below.
type derivationGoal struct {
	e             *Engine
	key           Key
	drvPath       storepath.Path
	wantedOutputs *sortedset.Set[string]
	mode          BuildMode
}

func (g *derivationGoal) run(ctx context.Context) (any, error) {
	// HaveDerivation.
	drv, err := g.loadDerivation()
	if err != nil {
		return nil, permanentf(g.key, "%v", err)
	}

	// InputsRealised.
	realizations, err := g.realizeInputDerivations(ctx, drv)
	if err != nil {
		return nil, err
	}
	resolved := drv
	if len(drv.InputDerivations) > 0 {
		resolved, err = drv.Resolve(realizations)
		if err != nil {
			return nil, permanentf(g.key, "resolve %s: %v", g.drvPath, err)
		}
	}
	for i := 0; i < resolved.InputSources.Len(); i++ {
		if err := g.e.Substitute(ctx, resolved.InputSources.At(i)); err != nil {
			return nil, rekey(g.key, err)
		}
	}

	// OutputsSubstituted / TrySubstituters.
	outPaths := make(map[string]storepath.Path, len(resolved.Outputs))
	needsBuild := false
	for name, out := range resolved.Outputs {
		if out.IsFloating() {
			needsBuild = true
			continue
		}
		p, ok := out.Path(resolved.Dir, resolved.Name, name)
		if !ok {
			return nil, permanentf(g.key, "output %s: could not compute path", name)
		}
		if g.mode != Normal {
			needsBuild = true
			outPaths[name] = p
			continue
		}
		if valid, err := g.e.db.IsValidPath(ctx, p); err != nil {
			return nil, transientf(g.key, "%v", err)
		} else if valid {
			outPaths[name] = p
			continue
		}
		if err := g.e.Substitute(ctx, p); err != nil {
			needsBuild = true
			outPaths[name] = p
			continue
		}
		outPaths[name] = p
	}
	if !needsBuild && coversWanted(outPaths, g.wantedOutputs) {
		return selectWanted(outPaths, g.wantedOutputs), nil
	}

	// Building.
	return g.build(ctx, resolved)
}

func (g *derivationGoal) loadDerivation() (*derivation.Derivation, error) {
	data, err := os.ReadFile(g.e.dir.Join(g.drvPath.Base()))
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", g.drvPath, err)
	}
	drv, err := derivation.Parse(g.e.dir, g.drvPath.Base(), data)
	if err != nil {
		return nil, fmt.Errorf("read derivation %s: %v", g.drvPath, err)
	}
	return drv, nil
}

// realizeInputDerivations realizes every output this derivation's own
// input derivations need, concurrently, per spec §4.H.2's InputsRealised
// step.
func (g *derivationGoal) realizeInputDerivations(ctx context.Context, drv *derivation.Derivation) (map[storepath.Path]map[string]storepath.Path, error) {
	if len(drv.InputDerivations) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	result := make(map[storepath.Path]map[string]storepath.Path, len(drv.InputDerivations))
	grp, gctx := errgroup.WithContext(ctx)
	for inputDrvPath, outputNames := range drv.InputDerivations {
		inputDrvPath, outputNames := inputDrvPath, outputNames
		if outputNames.Len() == 0 {
			continue
		}
		grp.Go(func() error {
			paths, err := g.e.Realize(gctx, inputDrvPath, outputNames, Normal)
			if err != nil {
				return rekey(g.key, err)
			}
			mu.Lock()
			result[inputDrvPath] = paths
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *derivationGoal) build(ctx context.Context, drv *derivation.Derivation) (any, error) {
	buildOutPaths := make(map[string]storepath.Path, len(drv.Outputs))
	for name, out := range drv.Outputs {
		if p, ok := out.Path(drv.Dir, drv.Name, name); ok {
			buildOutPaths[name] = p
			continue
		}
		tp, err := storepath.TempOutputPath(g.drvPath, name)
		if err != nil {
			return nil, permanentf(g.key, "output %s: %v", name, err)
		}
		buildOutPaths[name] = tp
	}

	lockPaths := make([]storepath.Path, 0, len(buildOutPaths))
	for _, p := range buildOutPaths {
		lockPaths = append(lockPaths, p)
	}
	handle, err := g.e.lockOutputs(ctx, lockPaths)
	if err != nil {
		return nil, transientf(g.key, "lock outputs: %v", err)
	}
	defer handle.Release()

	// Someone may have finished building while we waited for the lock.
	if g.mode == Normal {
		allValid := true
		existing := make(map[string]storepath.Path, len(buildOutPaths))
		for name, out := range drv.Outputs {
			if out.IsFloating() {
				allValid = false
				break
			}
			p := buildOutPaths[name]
			valid, err := g.e.db.IsValidPath(ctx, p)
			if err != nil {
				return nil, transientf(g.key, "%v", err)
			}
			if !valid {
				allValid = false
				break
			}
			existing[name] = p
		}
		if allValid {
			return selectWanted(existing, g.wantedOutputs), nil
		}
	}

	if g.e.opt.Builder == nil {
		return nil, permanentf(g.key, "build %s: no build runner configured", g.drvPath)
	}
	if err := g.e.buildSem.Acquire(ctx, 1); err != nil {
		return nil, transientf(g.key, "%v", err)
	}
	defer g.e.buildSem.Release(1)

	req := &BuildRequest{
		DrvPath:       g.drvPath,
		Drv:           drv,
		OutputPaths:   buildOutPaths,
		BuildDir:      g.e.opt.BuildDir,
		MaxSilentTime: g.e.opt.MaxSilentTime,
		BuildTimeout:  g.e.opt.BuildTimeout,
		MaxLogSize:    g.e.opt.MaxLogSize,
		Log:           g.e.opt.BuildLog,
	}
	if err := g.e.opt.Builder.Run(ctx, req); err != nil {
		return nil, rekey(g.key, err)
	}

	// RegisteredOutputs.
	final := make(map[string]storepath.Path, len(buildOutPaths))
	for name, out := range drv.Outputs {
		buildPath := buildOutPaths[name]
		info, err := g.postProcessOutput(ctx, drv, out, buildPath)
		if err != nil {
			return nil, permanentf(g.key, "output %s: %v", name, err)
		}
		if err := g.e.db.Register(ctx, info); err != nil {
			return nil, transientf(g.key, "register output %s: %v", name, err)
		}
		final[name] = info.StorePath
	}
	return selectWanted(final, g.wantedOutputs), nil
}

func coversWanted(paths map[string]storepath.Path, wanted *sortedset.Set[string]) bool {
	for i := 0; i < wanted.Len(); i++ {
		if _, ok := paths[wanted.At(i)]; !ok {
			return false
		}
	}
	return true
}

func selectWanted(paths map[string]storepath.Path, wanted *sortedset.Set[string]) map[string]storepath.Path {
	result := make(map[string]storepath.Path, wanted.Len())
	for i := 0; i < wanted.Len(); i++ {
		name := wanted.At(i)
		result[name] = paths[name]
	}
	return result
}
