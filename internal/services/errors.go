package services

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced synchronously to callers.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInvalidState
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }
func IsValidation(err error) bool   { return KindOf(err) == KindValidation }

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// invalidRequest keeps the validator's field errors as the cause.
func invalidRequest(what string, err error) error {
	return &Error{Kind: KindValidation, Message: "invalid " + what + " request", Err: err}
}

func notFoundError(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func invalidStateError(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func unavailableError(message string, err error) error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// DownstreamError is a failed best-effort collaborator call. It is reported in
// responses and logs but never returned as an operation error.
type DownstreamError struct {
	Collaborator string
	Operation    string
	Err          error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Operation, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// Outcome carries the result of a best-effort call: a value, or the downstream failure.
type Outcome[T any] struct {
	Value T
	Err   *DownstreamError
}

func (o Outcome[T]) OK() bool { return o.Err == nil }

func succeeded[T any](v T) Outcome[T] { return Outcome[T]{Value: v} }

func degraded[T any](collaborator, operation string, err error) Outcome[T] {
	return Outcome[T]{Err: &DownstreamError{Collaborator: collaborator, Operation: operation, Err: err}}
}
