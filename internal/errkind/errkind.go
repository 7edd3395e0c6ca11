// Package errkind maps the abstract error kinds of the audit core (spec
// section 7) onto a single concrete Go error type. Every exported operation
// in this module that can fail returns either a plain wrapped error (for
// unexpected internal failures) or an *errkind.Error with one of the Kind
// constants set, so callers can use errors.As to branch on the failure
// class without depending on package-private sentinel values.
package errkind

import "fmt"

// Kind enumerates the abstract error categories from spec section 7.
type Kind string

const (
	// Io is an underlying filesystem failure.
	Io Kind = "io"
	// Parse is a malformed line or JSON payload.
	Parse Kind = "parse"
	// Integrity is a checksum or chain-break detection.
	Integrity Kind = "integrity"
	// PolicyViolation is a signature policy that was not satisfied.
	PolicyViolation Kind = "policy_violation"
	// NotFound is a missing entry, signature, or backup.
	NotFound Kind = "not_found"
	// AlreadyExists is a duplicate id on create.
	AlreadyExists Kind = "already_exists"
	// Busy is a lock acquisition that timed out.
	Busy Kind = "busy"
	// Validation is invalid caller input.
	Validation Kind = "validation"
	// Permission is a session lacking a required capability.
	Permission Kind = "permission"
)

// Error is the concrete error type returned for every classified failure.
type Error struct {
	Kind Kind
	Op   string // the failing operation, e.g. "writer.Log"
	Err  error  // the underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, errkind.Sentinel(errkind.Busy)) style checks against
// errors built with New(Busy,...). A target whose Err is non-nil never matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a classified *Error. Pass a nil err when the kind itself is
// the whole story (e.g. Busy from a lock timeout with no underlying cause).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a comparable *Error with no op/cause, suitable for use
// with errors.Is(err, errkind.Sentinel(errkind.Busy)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
