// Package apperr defines the closed error-kind taxonomy shared by every
// component. Components never invent ad-hoc error strings for control flow;
// they return *Error so the HTTP layer and the orchestrator can map failures
// to stable codes without parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of user-facing error categories.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindUnauthorized Kind = "Unauthorized"
	KindConflict     Kind = "Conflict"
	KindDenied       Kind = "Denied"
	KindNotFound     Kind = "NotFound"
	KindTransient    Kind = "Transient"
	KindInternal     Kind = "Internal"
)

// Error is the single error type surfaced across component boundaries.
type Error struct {
	Kind          Kind
	Code          string // stable machine-readable code, e.g. "plan_not_found"
	Message       string
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind and Code, so
// errors.Is(err, apperr.NotFound("plan_not_found", "")) matches regardless
// of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind && e.Code == other.Code
	}
	return false
}

func new(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func Validation(code, msg string) *Error        { return new(KindValidation, code, msg, nil) }
func Unauthorized(code, msg string) *Error      { return new(KindUnauthorized, code, msg, nil) }
func Conflict(code, msg string) *Error          { return new(KindConflict, code, msg, nil) }
func Denied(code, msg string) *Error            { return new(KindDenied, code, msg, nil) }
func NotFound(code, msg string) *Error          { return new(KindNotFound, code, msg, nil) }
func Transient(code, msg string, cause error) *Error {
	return new(KindTransient, code, msg, cause)
}
func Internal(code, msg string, cause error) *Error {
	return new(KindInternal, code, msg, cause)
}

// WithCorrelation returns a copy of e carrying the given correlation ID.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// KindOf extracts the Kind of err, defaulting to KindInternal for untyped
// errors so that nothing escapes the mapping as a bare 500 without a kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code, or "internal_error" if untyped.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
