// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"crypto/sha256"
	"io"
	"strings"

	"zombiezen.com/go/nix"
)

// TempOutputPath deterministically derives a placeholder store path for a
// floating content-addressed output of drvPath, used as the build's scratch
// location until the output's real content address is known and its final
// path can be computed (spec §4.H.2's build step). The digest is derived
// from the derivation path and output name alone, so two builds of the same
// derivation pick the same scratch path without colliding with any real
// content address.
func TempOutputPath(drvPath Path, outputName string) (Path, error) {
	drvName := strings.TrimSuffix(drvPath.Name(), DerivationExt)
	name := drvName
	if outputName != "out" {
		name = drvName + "-" + outputName
	}

	h := sha256.New()
	io.WriteString(h, "rewrite:")
	io.WriteString(h, string(drvPath))
	io.WriteString(h, ":name:")
	io.WriteString(h, outputName)
	seed := nix.NewHash(nix.SHA256, h.Sum(nil))

	return makeStorePath(drvPath.Dir(), "rewrite", seed, name, References{})
}
