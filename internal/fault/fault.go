// Package fault defines the error taxonomy shared by all orchestrator
// components. Every boundary (API handler, session worker, chain client)
// classifies failures into one of these kinds; the REST layer maps kinds
// to HTTP status codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	InvariantViolation Kind = "invariant_violation"
	ChainUnavailable   Kind = "chain_unavailable"
	StateConflict      Kind = "state_conflict"
	Internal           Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of an error, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// MessageOf returns the classified message, or a sanitized fallback so
// internal detail never leaks to API clients.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvariantViolation:
		return http.StatusUnprocessableEntity
	case ChainUnavailable:
		return http.StatusServiceUnavailable
	case StateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
