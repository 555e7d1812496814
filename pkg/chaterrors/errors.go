// Package chaterrors defines the error kinds shared by the stores, the proxy
// and the HTTP handlers, and maps them to HTTP status codes.
package chaterrors

import (
	stderrors "errors"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindUnknown             Kind = ""
	KindValidation          Kind = "validation"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamProtocol    Kind = "upstream_protocol"
	KindPersistence         Kind = "persistence"
)

// Error is a classified error. Msg is safe to show to clients; Err carries
// the underlying cause and is only logged.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	s := e.Msg
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error without a cause.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, kind Kind, op, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Validation is shorthand for a user-correctable input error.
func Validation(op, msg string) *Error { return E(KindValidation, op, msg) }

// NotFound is shorthand for an unknown or not-owned record.
func NotFound(op, msg string) *Error { return E(KindNotFound, op, msg) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if stderrors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ClientMessage returns the message that may be shown to a client.
func ClientMessage(err error) string {
	var ce *Error
	if stderrors.As(err, &ce) && ce != nil && ce.Msg != "" {
		return ce.Msg
	}
	return "internal error"
}

// HTTPStatus maps a kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindPersistence, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
