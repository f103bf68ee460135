// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"context"
	"fmt"
)

// Protocol magic numbers exchanged during the handshake (spec §4.K).
const (
	clientMagic uint32 = 0x6b6c6e31 // "1nlk" little-endian, i.e. "kln1"
	serverMagic uint32 = 0x6b6c6e32 // "kln2"
)

// ProtocolVersion is a (major, minor) protocol version, compared
// lexicographically. Field additions within a protocol generation are
// guarded by minor-version checks; an unknown major aborts the
// connection.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// CurrentVersion is the protocol version this package implements.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

// Less reports whether v identifies an older protocol than other.
func (v ProtocolVersion) Less(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func min(a, b ProtocolVersion) ProtocolVersion {
	if a.Less(b) {
		return a
	}
	return b
}

// TrustLevel is the trust flag the server reports during the handshake,
// mirroring the real nix-daemon's distinction between a connection that
// can set arbitrary settings (trusted) and one that is sandboxed to
// defaults (not trusted).
type TrustLevel uint8

const (
	NotTrusted TrustLevel = iota
	Trusted
)

// Opcode identifies a request in the framed protocol (spec §4.K's
// operation list). Each request begins with a 32-bit opcode.
type Opcode uint32

const (
	OpIsValidPath Opcode = 1 + iota
	OpQueryReferrers
	OpAddToStore
	OpBuildPaths
	OpBuildDerivation
	OpEnsurePath
	OpAddTempRoot
	OpQueryPathInfo
	OpQueryValidPaths
	OpQueryMissing
	OpCollectGarbage
	OpNarFromPath
	OpImportPaths
	OpQueryRealisation
	OpRegisterDrvOutput
)

func (op Opcode) String() string {
	switch op {
	case OpIsValidPath:
		return "IsValidPath"
	case OpQueryReferrers:
		return "QueryReferrers"
	case OpAddToStore:
		return "AddToStore"
	case OpBuildPaths:
		return "BuildPaths"
	case OpBuildDerivation:
		return "BuildDerivation"
	case OpEnsurePath:
		return "EnsurePath"
	case OpAddTempRoot:
		return "AddTempRoot"
	case OpQueryPathInfo:
		return "QueryPathInfo"
	case OpQueryValidPaths:
		return "QueryValidPaths"
	case OpQueryMissing:
		return "QueryMissing"
	case OpCollectGarbage:
		return "CollectGarbage"
	case OpNarFromPath:
		return "NarFromPath"
	case OpImportPaths:
		return "ImportPaths"
	case OpQueryRealisation:
		return "QueryRealisation"
	case OpRegisterDrvOutput:
		return "RegisterDrvOutput"
	default:
		return fmt.Sprintf("Opcode(%d)", uint32(op))
	}
}

// FrameTag identifies what kind of frame follows an opcode's response
// stream: zero or more stderr-pump frames (log, progress, activity)
// followed by exactly one reply or error frame (spec §4.K's "stderr
// pump").
type FrameTag uint32

const (
	TagLog FrameTag = 1 + iota
	TagProgress
	TagActivity
	TagReply
	TagError
)

// Handshake is the result of a successful protocol handshake.
type Handshake struct {
	Version ProtocolVersion
	Trust   TrustLevel
	// DaemonVersion is the server's version string; empty on the client
	// side of a client-initiated handshake before the server replies.
	DaemonVersion string
}

// ErrIncompatibleMagic means the peer is not speaking this protocol at all.
var ErrIncompatibleMagic = fmt.Errorf("wire: incompatible magic number")

// ErrIncompatibleMajor means the peer speaks this protocol but a version
// whose major number this implementation cannot interoperate with.
type ErrIncompatibleMajor struct {
	Peer ProtocolVersion
}

func (e *ErrIncompatibleMajor) Error() string {
	return fmt.Sprintf("wire: incompatible protocol major version %d (this build speaks %d.%d)", e.Peer.Major, CurrentVersion.Major, CurrentVersion.Minor)
}

// ClientHandshake sends the client's magic and version over rw and reads
// back the server's, returning the negotiated (lower of the two)
// version. ctx is honored only insofar as the caller is expected to close
// the connection on cancellation; the handshake itself performs blocking
// I/O.
func ClientHandshake(ctx context.Context, r *Reader, w *Writer) (*Handshake, error) {
	if err := w.Uint32(clientMagic); err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}
	if err := w.Uint32(uint32(CurrentVersion.Major)<<16 | uint32(CurrentVersion.Minor)); err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}

	magic, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}
	if magic != serverMagic {
		return nil, ErrIncompatibleMagic
	}
	packed, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}
	serverVersion := ProtocolVersion{Major: uint16(packed >> 16), Minor: uint16(packed)}
	if serverVersion.Major != CurrentVersion.Major {
		return nil, &ErrIncompatibleMajor{Peer: serverVersion}
	}
	trust, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}
	daemonVersion, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: %v", err)
	}
	return &Handshake{
		Version:       min(CurrentVersion, serverVersion),
		Trust:         TrustLevel(trust),
		DaemonVersion: daemonVersion,
	}, nil
}

// ServerHandshake reads the client's magic and version from r, then
// writes the server's magic, version, trust flag, and daemonVersion to
// w, returning the negotiated version.
func ServerHandshake(ctx context.Context, r *Reader, w *Writer, trust TrustLevel, daemonVersion string) (*Handshake, error) {
	magic, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	if magic != clientMagic {
		return nil, ErrIncompatibleMagic
	}
	packed, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	clientVersion := ProtocolVersion{Major: uint16(packed >> 16), Minor: uint16(packed)}
	if clientVersion.Major != CurrentVersion.Major {
		return nil, &ErrIncompatibleMajor{Peer: clientVersion}
	}

	if err := w.Uint32(serverMagic); err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	if err := w.Uint32(uint32(CurrentVersion.Major)<<16 | uint32(CurrentVersion.Minor)); err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	if err := w.Uint32(uint32(trust)); err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	if err := w.String(daemonVersion); err != nil {
		return nil, fmt.Errorf("wire: server handshake: %v", err)
	}
	return &Handshake{
		Version:       min(CurrentVersion, clientVersion),
		Trust:         trust,
		DaemonVersion: daemonVersion,
	}, nil
}
