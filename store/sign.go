// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"zombiezen.com/go/nix"
)

// PrivateKey is a named ed25519 signing key, in the "<name>:<base64 seed>"
// form used by Nix-family key files.
type PrivateKey struct {
	Name string
	Key  ed25519.PrivateKey
}

// GeneratePrivateKey creates a new ed25519 signing key with the given
// name.
func GeneratePrivateKey(name string) (PrivateKey, error) {
	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("generate private key: %v", err)
	}
	return PrivateKey{Name: name, Key: sk}, nil
}

// PublicKey returns the public half of k.
func (k PrivateKey) PublicKey() PublicKey {
	return PublicKey{Name: k.Name, Key: k.Key.Public().(ed25519.PublicKey)}
}

// String returns k in "<name>:<base64 seed>" form.
func (k PrivateKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key.Seed())
}

// ParsePrivateKey parses a key in "<name>:<base64 seed>" form, the format
// produced by [PrivateKey.String] and the `kiln key generate` command.
func ParsePrivateKey(s string) (PrivateKey, error) {
	name, data, err := splitColonBase64(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("parse private key: %v", err)
	}
	if len(data) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("parse private key: key %q is wrong size (got %d bytes, want %d)", name, len(data), ed25519.SeedSize)
	}
	return PrivateKey{Name: name, Key: ed25519.NewKeyFromSeed(data)}, nil
}

// PublicKey is a named ed25519 verification key.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// String returns k in "<name>:<base64 key>" form.
func (k PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// ParsePublicKey parses a key in "<name>:<base64 key>" form.
func ParsePublicKey(s string) (PublicKey, error) {
	name, data, err := splitColonBase64(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key: %v", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("parse public key: key %q is wrong size (got %d bytes, want %d)", name, len(data), ed25519.PublicKeySize)
	}
	return PublicKey{Name: name, Key: ed25519.PublicKey(data)}, nil
}

func splitColonBase64(s string) (name string, data []byte, err error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return "", nil, fmt.Errorf("missing key name")
	}
	name, encoded := s[:i], s[i+1:]
	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %v", name, err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%s: empty key data", name)
	}
	return name, data, nil
}

// Keyring holds a set of private signing keys, loaded from one or more
// key files (spec §4.D's narinfo detached-signatures feature).
type Keyring struct {
	Ed25519 []PrivateKey
}

// Sign computes info's fingerprint and appends a detached signature from
// every key in kr, skipping signatures info already carries.
func (kr *Keyring) Sign(info *NARInfo) error {
	fingerprint, err := fingerprintBytes(info)
	if err != nil {
		return fmt.Errorf("sign %s: %v", info.StorePath, err)
	}
	sigs := make([]*nix.Signature, 0, len(kr.Ed25519))
	for _, k := range kr.Ed25519 {
		sigText := k.Name + ":" + base64.StdEncoding.EncodeToString(ed25519.Sign(k.Key, fingerprint))
		sig := new(nix.Signature)
		if err := sig.UnmarshalText([]byte(sigText)); err != nil {
			return fmt.Errorf("sign %s: %v", info.StorePath, err)
		}
		sigs = append(sigs, sig)
	}
	info.AddSignatures(sigs...)
	return nil
}

// Verify reports whether info carries at least one signature that
// verifies against one of the given public keys, matched by key name.
func Verify(info *NARInfo, keys []PublicKey) bool {
	fingerprint, err := fingerprintBytes(info)
	if err != nil {
		return false
	}
	for _, sig := range info.Sig {
		sigText, err := sig.MarshalText()
		if err != nil {
			continue
		}
		name, sigBytes, err := splitColonBase64(string(sigText))
		if err != nil || len(sigBytes) != ed25519.SignatureSize {
			continue
		}
		for _, k := range keys {
			if k.Name == name && ed25519.Verify(k.Key, fingerprint, sigBytes) {
				return true
			}
		}
	}
	return false
}

func fingerprintBytes(info *NARInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := info.WriteFingerprint(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
