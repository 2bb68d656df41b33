// Package errs provides the structured error type shared across the core.
//
// Every error that crosses a package boundary carries a Kind so callers
// can map failures onto transport status codes without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	// KindValidation indicates bad input at an interface boundary.
	KindValidation Kind = "validation"
	// KindNotFound indicates a missing document, store, node, or edge.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a wrong-state operation, such as a dimension
	// mismatch or a cycle in a flow graph.
	KindConflict Kind = "conflict"
	// KindCancelled is the sentinel kind raised through cooperative
	// cancellation.
	KindCancelled Kind = "cancelled"
	// KindProvider indicates an upstream LLM or embedding failure.
	KindProvider Kind = "provider"
	// KindCorrupt indicates an unreadable on-disk file.
	KindCorrupt Kind = "corrupt"
	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Error is the structured error used across the core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind, enabling errors.Is against kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. A nil err
// passes through as an untyped nil, so call sites can wrap returns
// unconditionally.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err. Plain errors map to KindInternal;
// context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsCancelled reports whether err is the cancellation sentinel in any
// of its shapes.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}
