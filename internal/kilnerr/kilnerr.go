// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package kilnerr centralizes the error-kind taxonomy a caller must
// distinguish (spec §7): a typed, [errors.As]-matchable value carrying a
// [Kind] and a trace of contextual breadcrumbs accumulated as the error
// unwinds, in the same spirit as the teacher's jsonrpc package attaching
// an [jsonrpc.ErrorCode] to an error chain.
package kilnerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error the way a client of the store, the daemon, or
// the CLI must distinguish in order to decide how to react.
type Kind int8

const (
	// InvalidPath indicates the path is not registered in the valid-path
	// database. The caller may try substitution or fail.
	InvalidPath Kind = 1 + iota
	// BadStorePath indicates a malformed store path string. Fatal to the
	// request that produced it.
	BadStorePath
	// HashMismatch indicates content did not match its declared hash. The
	// path is not registered and the bytes are discarded.
	HashMismatch
	// BuildFailed indicates a builder returned non-zero or was killed by
	// policy; see [Error.Status] for the specific reason.
	BuildFailed
	// SubstituterDisabled indicates a substituter is temporarily
	// blacklisted. The caller should try the next substituter.
	SubstituterDisabled
	// NoSubstituters indicates no substituter has the requested path. The
	// caller should fall back to building if a derivation is available.
	NoSubstituters
	// DbError indicates the underlying metadata store failed. Fatal.
	DbError
	// Interrupted indicates the operation was cancelled by a user or
	// signal. The caller may choose to restart.
	Interrupted
	// FormatError indicates a NAR, derivation, or base-N parse failure.
	// Fatal for that input.
	FormatError
	// SysError indicates an OS call failed; see [Error.Errno].
	SysError
	// UsageError indicates invalid arguments. Fatal; surfaced to the CLI.
	UsageError
)

func (k Kind) String() string {
	switch k {
	case InvalidPath:
		return "invalid path"
	case BadStorePath:
		return "bad store path"
	case HashMismatch:
		return "hash mismatch"
	case BuildFailed:
		return "build failed"
	case SubstituterDisabled:
		return "substituter disabled"
	case NoSubstituters:
		return "no substituters"
	case DbError:
		return "database error"
	case Interrupted:
		return "interrupted"
	case FormatError:
		return "format error"
	case SysError:
		return "system error"
	case UsageError:
		return "usage error"
	default:
		return fmt.Sprintf("kilnerr.Kind(%d)", int8(k))
	}
}

// Status classifies a [BuildFailed] error further, matching the `status`
// field of spec §7's BuildFailed kind (see also the build runner's own,
// narrower retry classification, [kiln.build/kiln/internal/engine.FailureKind]).
type Status int8

const (
	_ Status = iota
	// BuilderFailed means the builder process exited non-zero.
	BuilderFailed
	// TimedOut means the supervisor killed the build for exceeding
	// max-silent-time or build-timeout.
	TimedOut
	// LogLimitExceeded means the supervisor killed the build for
	// exceeding max-log-size.
	LogLimitExceeded
	// OutputRejected means an output failed post-build validation (e.g.
	// a missing output path).
	OutputRejected
	// StatusHashMismatch means a fixed-output or floating content-addressed
	// output did not match its declared or recorded content address.
	StatusHashMismatch
	// NotDeterministic means a Check-mode rebuild produced a differing NAR.
	NotDeterministic
	// StatusPermanentFailure means a dependency of this build failed
	// permanently.
	StatusPermanentFailure
	// StatusTransientFailure means a dependency of this build failed in a
	// plausibly-retriable way.
	StatusTransientFailure
	// InputRejected means an input derivation could not be resolved.
	InputRejected
	// CachedFailure means a previous attempt at this exact build already
	// failed and the failure was memoised.
	CachedFailure
)

func (s Status) String() string {
	switch s {
	case BuilderFailed:
		return "builder failed"
	case TimedOut:
		return "timed out"
	case LogLimitExceeded:
		return "log limit exceeded"
	case OutputRejected:
		return "output rejected"
	case StatusHashMismatch:
		return "hash mismatch"
	case NotDeterministic:
		return "not deterministic"
	case StatusPermanentFailure:
		return "permanent failure"
	case StatusTransientFailure:
		return "transient failure"
	case InputRejected:
		return "input rejected"
	case CachedFailure:
		return "cached failure"
	default:
		return fmt.Sprintf("kilnerr.Status(%d)", int8(s))
	}
}

// Error is the error type every store, daemon, and CLI boundary in this
// module returns so that callers can recover a [Kind] with [errors.As]
// regardless of how deep the error originated.
type Error struct {
	Kind Kind

	// DrvPath and Status are set for [BuildFailed] errors.
	DrvPath string
	Status  Status

	// Errno is set for [SysError] errors, when the underlying error
	// chain yields one.
	Errno error

	Err   error
	trace []string
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s", e.Kind)
	if e.Kind == BuildFailed {
		fmt.Fprintf(&sb, "(%s, %s)", e.DrvPath, e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	for _, crumb := range e.trace {
		fmt.Fprintf(&sb, "\n\t%s", crumb)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a new [Error] of the given kind wrapping a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap returns a new [Error] of the given kind wrapping err, or nil if err
// is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Build returns a new [BuildFailed] error for the derivation at drvPath.
func Build(drvPath string, status Status, err error) error {
	return &Error{Kind: BuildFailed, DrvPath: drvPath, Status: status, Err: err}
}

// Sys returns a new [SysError] error wrapping err, recording errno
// (typically a [syscall.Errno]) separately so callers can classify it
// without re-parsing the message.
func Sys(errno, err error) error {
	return &Error{Kind: SysError, Errno: errno, Err: err}
}

// KindOf reports the [Kind] of err, if err's chain contains an [*Error].
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}

// Is reports whether err's chain contains an [*Error] of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Trace appends a contextual breadcrumb to err as it unwinds, per spec
// §7's "errors carry a trace vector of contextual breadcrumbs added as
// the error unwinds". If err's chain does not already contain an
// [*Error], it is wrapped as one of unspecified kind (callers that care
// about the kind should have already classified it further down the
// stack).
func Trace(err error, breadcrumb string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		e2 := *e
		e2.trace = append(append([]string(nil), e.trace...), breadcrumb)
		return &e2
	}
	return &Error{Err: err, trace: []string{breadcrumb}}
}
