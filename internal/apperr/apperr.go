// Package apperr defines the closed error taxonomy shared by every
// component: repositories, the retry harness, the identity verifier,
// the command router and the match engine all return *Error rather
// than leaking driver- or transport-specific errors to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the logical error classification. It decides whether the
// retry harness retries an operation and which user-visible message
// the bot façade renders.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	DuplicateIdempotency
	OptimisticConflict
	Unauthorized
	UndoExpired
	Transient
	Permanent
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case DuplicateIdempotency:
		return "duplicate_idempotency"
	case OptimisticConflict:
		return "optimistic_conflict"
	case Unauthorized:
		return "unauthorized"
	case UndoExpired:
		return "undo_expired"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// produced it, using an "op: %w" wrapping convention throughout.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given kind and optional cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or anything it wraps) carries the given
// Kind. Callers should branch on this instead of string-matching.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried by the harness:
// connection loss, pool exhaustion, optimistic-lock conflicts and
// classified-transient identity-API failures all qualify.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Transient, OptimisticConflict:
		return true
	default:
		return false
	}
}
