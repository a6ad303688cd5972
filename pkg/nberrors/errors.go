// Package nberrors defines the error kinds used throughout nibackup (see
// spec §7). Every kind is surfaced as a typed *Error so that call sites can
// test for it with errors.As while still getting a teacher-style "unable to
// X" message via Error().
package nberrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories from the error handling
// design.
type Kind int

const (
	// ConfigError indicates invalid arguments or an invalid exclusion file.
	ConfigError Kind = iota
	// IoError indicates a filesystem syscall failure.
	IoError
	// RaceDetected indicates that Capture found an inode mismatch between
	// lstat and a subsequently opened handle.
	RaceDetected
	// MissingRevision indicates that a metadata file was expected but absent
	// for a declared revision r > 0.
	MissingRevision
	// PatchFailed indicates that a diff/patch helper process exited non-zero.
	PatchFailed
	// ResourceExhausted indicates no free worker slot or no inotify watch
	// slot despite LRU eviction.
	ResourceExhausted
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config error"
	case IoError:
		return "i/o error"
	case RaceDetected:
		return "race detected"
	case MissingRevision:
		return "missing revision"
	case PatchFailed:
		return "patch failed"
	case ResourceExhausted:
		return "resource exhausted"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type carried by every kind above. Op is the
// operation being attempted ("capture metadata", "reverse patch", ...) and
// Path is the source- or destination-relative path involved, when known.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: unable to %s for %q: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: unable to %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error, wrapping err with github.com/pkg/errors so that
// stack context is preserved for the underlying cause.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Path: path,
		Err:  errors.WithStack(err),
	}
}

// Is reports whether err, or any error it wraps, is an *Error of the given
// kind (e.g. nberrors.Is(err, nberrors.RaceDetected)), comparing kinds
// rather than requiring exact value identity.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
