// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"strings"

	"zombiezen.com/go/nix"

	"kiln.build/kiln/storepath"
)

// HashPlaceholder returns the placeholder string substituted in place of a
// derivation's own output path wherever the output's final path is not yet
// known when the derivation is serialized (spec §4.H.2's resolution step):
// floating content-addressed outputs, and any output referenced by the
// derivation's own builder, arguments, or environment before it is built.
func HashPlaceholder(outputName string) string {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().RawBase32()
}

// UnknownCAOutputPlaceholder returns the placeholder substituted for an
// as-yet-unresolved output of another, input derivation whose content
// address is not known until that derivation is realized.
func UnknownCAOutputPlaceholder(drvPath storepath.Path, outputName string) string {
	drvName := strings.TrimSuffix(drvPath.Name(), Ext)
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("nix-upstream-output:")
	h.WriteString(drvPath.Digest())
	h.WriteString(":")
	h.WriteString(drvName)
	if outputName != DefaultOutputName {
		h.WriteString("-")
		h.WriteString(outputName)
	}
	return "/" + h.SumHash().RawBase32()
}
