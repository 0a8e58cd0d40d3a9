// Package proxyerr defines the failure taxonomy shared by the transport
// factory, the relay and the HTTP handlers.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a canonical failure code.
type Kind string

const (
	InvalidTransportType     Kind = "INVALID_TRANSPORT_TYPE"
	SpawnFailure             Kind = "SPAWN_FAILURE"
	AuthFailure              Kind = "AUTH_FAILURE"
	ConnectFailure           Kind = "CONNECT_FAILURE"
	SessionNotFound          Kind = "SESSION_NOT_FOUND"
	RelayClosed              Kind = "RELAY_CLOSED"
	UnexpectedTransportError Kind = "UNEXPECTED_TRANSPORT_ERROR"
)

// Error carries a Kind and, for upstream HTTP failures, the status code,
// body and body content type returned by the upstream server.
type Error struct {
	Kind        Kind
	Status      int
	Body        []byte
	ContentType string
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.Status)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, proxyerr.New(k, nil))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of kind k wrapping err.
func New(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// Errorf formats a message and wraps it in an *Error of kind k.
func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Upstream returns an *Error describing an HTTP failure from an upstream server.
func Upstream(k Kind, status int, body []byte) *Error {
	return &Error{Kind: k, Status: status, Body: body, Err: errors.New(http.StatusText(status))}
}

// KindOf extracts the Kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err to the status returned to the browser for a failed
// connect attempt.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case InvalidTransportType:
		return http.StatusBadRequest
	case AuthFailure:
		if e.Status != 0 {
			return e.Status
		}
		return http.StatusUnauthorized
	case ConnectFailure:
		return http.StatusBadGateway
	case SessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
