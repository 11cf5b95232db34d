// Package errs defines the error taxonomy shared by every Manifold layer.
//
// Every failure surfaced by the storage substrate, the page store, the WAL, or
// the column family coordinator carries one of a small set of kinds so callers
// can branch on failure class without parsing message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a Manifold error.
type Kind int

const (
	// Io is a raw backend failure (short read/write, disk full, permission).
	Io Kind = iota
	// OutOfBounds is a positional access outside the current virtual or
	// physical length of a file-like resource.
	OutOfBounds
	// Corruption is a CRC mismatch, invalid magic, version mismatch, or other
	// structural violation detected while parsing on-disk state.
	Corruption
	// OutOfSpace is an allocation request that would overrun a partition and
	// growth is disabled or failed.
	OutOfSpace
	// AlreadyExists is returned when creating a column family whose name is
	// already in use.
	AlreadyExists
	// NotFound is returned when looking up a column family that does not
	// exist.
	NotFound
	// LockConflict is returned when another process holds the database file's
	// lock, or when a column family's sticky previous-I/O-error flag is set.
	// A second write transaction on a column family does not get it: it
	// blocks until the active writer finishes.
	LockConflict
	// UpgradeRequired is returned when the on-disk format version is newer or
	// older than what this build supports.
	UpgradeRequired
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case OutOfBounds:
		return "out_of_bounds"
	case Corruption:
		return "corruption"
	case OutOfSpace:
		return "out_of_space"
	case AlreadyExists:
		return "already_exists"
	case NotFound:
		return "not_found"
	case LockConflict:
		return "lock_conflict"
	case UpgradeRequired:
		return "upgrade_required"
	default:
		return "unknown"
	}
}

// Error is a Manifold error tagged with a Kind and wrapping an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("manifold: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("manifold: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Manifold error of the given kind with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a Manifold error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a Manifold error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a Manifold error of the given kind, looking
// through wrapped chains the way errors.Is does.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a Manifold *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
