// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"kiln.build/kiln/storepath"
)

func TestSignAndVerify(t *testing.T) {
	k, err := GeneratePrivateKey("test.kiln.build-1")
	if err != nil {
		t.Fatal(err)
	}
	info := &NARInfo{
		StorePath: storepath.Path("/kiln/store/z5yrbqk8sjlzyvw8wpicsn2ybk0sc470-busybox-1.36.1"),
		NARHash:   mustParseHash(t, "sha256:1d99d4f5hjl24w30hwgrmn00kryvd1yxvyydpkm76hgmcig9mllc"),
		NARSize:   1228440,
	}

	kr := &Keyring{Ed25519: []PrivateKey{k}}
	if err := kr.Sign(info); err != nil {
		t.Fatal(err)
	}
	if len(info.Sig) != 1 {
		t.Fatalf("len(info.Sig) = %d; want 1", len(info.Sig))
	}

	if !Verify(info, []PublicKey{k.PublicKey()}) {
		t.Error("Verify reports false for a correctly signed narinfo")
	}

	other, err := GeneratePrivateKey("other.kiln.build-1")
	if err != nil {
		t.Fatal(err)
	}
	if Verify(info, []PublicKey{other.PublicKey()}) {
		t.Error("Verify reports true against the wrong public key")
	}

	// Signing twice with the same key must not duplicate the signature.
	if err := kr.Sign(info); err != nil {
		t.Fatal(err)
	}
	if len(info.Sig) != 1 {
		t.Errorf("len(info.Sig) after re-signing = %d; want 1", len(info.Sig))
	}
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	k, err := GeneratePrivateKey("test.kiln.build-1")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePrivateKey(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Name != k.Name || parsed.Key.Equal(k.Key) != true {
		t.Errorf("ParsePrivateKey(%q) = %+v; want %+v", k.String(), parsed, k)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	k, err := GeneratePrivateKey("test.kiln.build-1")
	if err != nil {
		t.Fatal(err)
	}
	pub := k.PublicKey()
	parsed, err := ParsePublicKey(pub.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Name != pub.Name || !parsed.Key.Equal(pub.Key) {
		t.Errorf("ParsePublicKey(%q) = %+v; want %+v", pub.String(), parsed, pub)
	}
}
