// Package syncerr defines the error classes every client component reports.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRejected means the server refused the credential. The gateway
	// handles it; callers only see it if refresh is disabled for the request.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrAuthTerminal means refresh failed; the session is over.
	ErrAuthTerminal = errors.New("auth terminal")
	// ErrNetworkTransient covers timeouts, dropped connections and 5xx.
	ErrNetworkTransient = errors.New("network transient")
	// ErrValidationRejected means the server refused a well-formed request.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrProtocolMalformed marks an unparseable push frame.
	ErrProtocolMalformed = errors.New("protocol malformed")
)

// Error carries the failing operation and, for HTTP failures, the status and
// the server's error code.
type Error struct {
	Kind    error
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(op string, status int, code, message string) *Error {
	e := &Error{Op: op, Status: status, Code: code, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = ErrAuthRejected
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		e.Kind = ErrNetworkTransient
	default:
		e.Kind = ErrValidationRejected
	}
	return e
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient)
}

// Status extracts the HTTP status from err, or 0.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
