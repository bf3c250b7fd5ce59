// Package errkind classifies purge-run failures into the small set of
// kinds the orchestrator and CLI need to choose an exit code or a retry
// strategy for.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the purge error taxonomy members.
type Kind int

const (
	// Unknown covers errors that were never classified.
	Unknown Kind = iota
	// ConfigInvalid means a Config field failed validation before any
	// filesystem work started.
	ConfigInvalid
	// RootBlocked means the root path resolved into the system-directory
	// denylist and the run was refused before touching the filesystem.
	RootBlocked
	// TransientFileGone means a file or directory vanished between being
	// listed and being acted on; never counted as an error.
	TransientFileGone
	// PermissionDenied means an operation failed with EACCES/EPERM.
	PermissionDenied
	// UnexpectedIoFailure covers every other I/O failure: ENOSPC, EIO,
	// ESTALE, and anything else the filesystem contract didn't name.
	UnexpectedIoFailure
	// MemoryCritical means the circuit breaker tripped and the run
	// aborted rather than risking an OOM.
	MemoryCritical
	// StuckSuspected means the progress reporter saw no forward motion
	// for two consecutive intervals.
	StuckSuspected
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case RootBlocked:
		return "RootBlocked"
	case TransientFileGone:
		return "TransientFileGone"
	case PermissionDenied:
		return "PermissionDenied"
	case UnexpectedIoFailure:
		return "UnexpectedIoFailure"
	case MemoryCritical:
		return "MemoryCritical"
	case StuckSuspected:
		return "StuckSuspected"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with its Kind. errors.Is matches by Kind, not by
// the wrapped cause, so callers can test with
// errors.Is(err, errkind.Sentinel(errkind.RootBlocked)).
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with kind. A nil cause is allowed for kinds that carry
// no underlying error (e.g. StuckSuspected).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Wrapf is New with a formatted cause.
func Wrapf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is lets errors.Is(err, Sentinel(kind)) work without exposing *Error
// value comparison pitfalls; callers typically use Classify instead.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinel returns a comparable *Error carrying only a Kind, suitable as
// the target of errors.Is.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

// Classify extracts the Kind of err, or Unknown if err was never wrapped
// with New/Wrapf.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ExitCode maps a Kind onto the CLI exit codes from the external
// interface contract: 0 success, 1 fatal config/validation error, 2
// circuit-break abort.
func ExitCode(kind Kind) int {
	switch kind {
	case ConfigInvalid, RootBlocked:
		return 1
	case MemoryCritical:
		return 2
	case Unknown:
		return 0
	default:
		return 1
	}
}
