// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/derivation"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/internal/testcontext"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

const (
	shPath         = "/bin/sh"
	powershellPath = `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`
)

// catcatBuilder returns a builder that writes $in twice to $out, with no
// dependencies other than the system shell.
func catcatBuilder() (builder string, args []string) {
	if runtime.GOOS == "windows" {
		return powershellPath, []string{
			"-Command",
			`$x = Get-Content -Raw ${env:in} ; ($x + $x) | Out-File -NoNewline -Encoding ascii -FilePath ${env:out}`,
		}
	}
	return shPath, []string{
		"-c",
		`while read line; do echo "$line"; echo "$line"; done < $in > $out`,
	}
}

func newTestEngine(t *testing.T, dir storepath.Directory) (*Engine, *store.DB) {
	t.Helper()
	db := store.OpenDB(filepath.Join(t.TempDir(), "db.sqlite"))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	e := New(dir, db, Options{
		MaxJobs:  2,
		Builder:  ExecBuilder{},
		BuildDir: t.TempDir(),
	})
	return e, db
}

// writeSourceFile registers a flat-file content-addressed source path
// directly, as if it had been imported, without going through a build.
func writeSourceFile(t *testing.T, ctx context.Context, db *store.DB, dir storepath.Directory, name string, content []byte) storepath.Path {
	t.Helper()
	h := nix.NewHasher(nix.SHA256)
	h.Write(content)
	ca := nix.FlatFileContentAddress(h.SumHash())
	p, err := storepath.FixedCAOutputPath(dir, name, ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(string(p), content, 0o444); err != nil {
		t.Fatal(err)
	}
	narHash, narSize, err := dumpNARHash(string(p))
	if err != nil {
		t.Fatal(err)
	}
	info := &store.ObjectInfo{StorePath: p, NARHash: narHash, NARSize: narSize, CA: ca}
	if err := db.Register(ctx, info); err != nil {
		t.Fatal(err)
	}
	return p
}

func exportDerivation(t *testing.T, drv *derivation.Derivation) storepath.Path {
	t.Helper()
	drvPath, data, err := drv.Export()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(string(drvPath), data, 0o444); err != nil {
		t.Fatal(err)
	}
	return drvPath
}

func TestRealizeFloatingOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir, err := storepath.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, db := newTestEngine(t, dir)

	const inputContent = "Hello, World!\n"
	inputPath := writeSourceFile(t, ctx, db, dir, "hello.txt", []byte(inputContent))

	const outputName = "hello2.txt"
	drv := &derivation.Derivation{
		Dir:  dir,
		Name: outputName,
		Env: map[string]string{
			"in":  string(inputPath),
			"out": derivation.HashPlaceholder("out"),
		},
		InputSources: *sortedset.New(inputPath),
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: derivation.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drv.Builder, drv.Args = catcatBuilder()
	drvPath := exportDerivation(t, drv)

	got, err := e.Realize(ctx, drvPath, nil, Normal)
	if err != nil {
		t.Fatal(err)
	}
	outPath, ok := got[derivation.DefaultOutputName]
	if !ok {
		t.Fatalf("Realize result missing %q output: %v", derivation.DefaultOutputName, got)
	}

	wantContent := strings.Repeat(inputContent, 2)
	gotContent, err := os.ReadFile(string(outPath))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotContent) != wantContent {
		t.Errorf("%s content = %q; want %q", outPath, gotContent, wantContent)
	}
	if info, err := os.Lstat(string(outPath)); err != nil {
		t.Error(err)
	} else if info.Mode()&0o222 != 0 {
		t.Errorf("%s mode = %v; want read-only", outPath, info.Mode())
	}

	if valid, err := db.IsValidPath(ctx, outPath); err != nil {
		t.Error(err)
	} else if !valid {
		t.Errorf("%s not registered as valid after realize", outPath)
	}
}

func TestRealizeMultiStep(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir, err := storepath.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, db := newTestEngine(t, dir)

	const inputContent = "Hello, World!\n"
	inputPath := writeSourceFile(t, ctx, db, dir, "hello.txt", []byte(inputContent))

	drv1 := &derivation.Derivation{
		Dir:  dir,
		Name: "hello2.txt",
		Env: map[string]string{
			"in":  string(inputPath),
			"out": derivation.HashPlaceholder("out"),
		},
		InputSources: *sortedset.New(inputPath),
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: derivation.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drv1.Builder, drv1.Args = catcatBuilder()
	drv1Path := exportDerivation(t, drv1)

	drv2 := &derivation.Derivation{
		Dir:  dir,
		Name: "hello4.txt",
		Env: map[string]string{
			"in":  derivation.UnknownCAOutputPlaceholder(drv1Path, derivation.DefaultOutputName),
			"out": derivation.HashPlaceholder("out"),
		},
		InputDerivations: map[storepath.Path]*sortedset.Set[string]{
			drv1Path: sortedset.New(derivation.DefaultOutputName),
		},
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: derivation.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drv2.Builder, drv2.Args = catcatBuilder()
	drv2Path := exportDerivation(t, drv2)

	got, err := e.Realize(ctx, drv2Path, nil, Normal)
	if err != nil {
		t.Fatal(err)
	}
	outPath, ok := got[derivation.DefaultOutputName]
	if !ok {
		t.Fatalf("Realize result missing %q output: %v", derivation.DefaultOutputName, got)
	}

	wantContent := strings.Repeat(inputContent, 4)
	gotContent, err := os.ReadFile(string(outPath))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotContent) != wantContent {
		t.Errorf("%s content = %q; want %q", outPath, gotContent, wantContent)
	}
}

func TestRealizeFixedOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	dir, err := storepath.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, dir)

	const outputName = "hello.txt"
	const outputContent = "Hello, World!\n"
	h := nix.NewHasher(nix.SHA256)
	h.WriteString(outputContent)
	wantCA := nix.FlatFileContentAddress(h.SumHash())

	drv1 := &derivation.Derivation{
		Dir:  dir,
		Name: outputName,
		Env: map[string]string{
			"out": derivation.HashPlaceholder("out"),
		},
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: derivation.FixedCAOutput(wantCA),
		},
	}
	if runtime.GOOS == "windows" {
		drv1.Builder = powershellPath
		drv1.Args = []string{
			"-Command",
			"\"Hello, World!`n\" | Out-File -NoNewline -Encoding ascii -FilePath ${env:out}",
		}
	} else {
		drv1.Builder = shPath
		drv1.Args = []string{"-c", `echo 'Hello, World!' > $out`}
	}
	drv1Path := exportDerivation(t, drv1)

	// drv2 asserts the same fixed output but has a builder that always fails.
	drv2 := &derivation.Derivation{
		Dir:  dir,
		Name: outputName,
		Env: map[string]string{
			"out": derivation.HashPlaceholder("out"),
		},
		Outputs: map[string]*derivation.Output{
			derivation.DefaultOutputName: derivation.FixedCAOutput(wantCA),
		},
	}
	if runtime.GOOS == "windows" {
		drv2.Builder = powershellPath
		drv2.Args = []string{"-Command", "exit 1"}
	} else {
		drv2.Builder = shPath
		drv2.Args = []string{"-c", "exit 1"}
	}
	drv2Path := exportDerivation(t, drv2)

	wantPath, err := storepath.FixedCAOutputPath(dir, outputName, wantCA, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	got, err := e.Realize(ctx, drv1Path, nil, Normal)
	if err != nil {
		t.Fatal("build drv1:", err)
	}
	if got[derivation.DefaultOutputName] != wantPath {
		t.Fatalf("drv1 output = %s; want %s", got[derivation.DefaultOutputName], wantPath)
	}

	// Building drv2 must reuse the already-valid output rather than
	// running its (failing) builder.
	got, err = e.Realize(ctx, drv2Path, nil, Normal)
	if err != nil {
		t.Fatal("build drv2:", err)
	}
	if got[derivation.DefaultOutputName] != wantPath {
		t.Fatalf("drv2 output = %s; want %s", got[derivation.DefaultOutputName], wantPath)
	}

	gotContent, err := os.ReadFile(string(wantPath))
	if err != nil {
		t.Fatal(err)
	}
	if string(gotContent) != outputContent {
		t.Errorf("%s content = %q; want %q", wantPath, gotContent, outputContent)
	}
}
