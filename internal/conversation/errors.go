// ABOUTME: Status-carrying error type for conversation operations
// ABOUTME: Maps the service taxonomy onto protocol and HTTP status codes

package conversation

import (
	"errors"
	"fmt"
	"net/http"
)

// Status classifies a failed conversation operation.
type Status int

const (
	StatusInvalidArgument Status = iota + 1
	StatusNotFound
	StatusForbidden
	StatusInternal
)

// Error is a client-visible failure with a stable status. Store-layer
// failures are wrapped as StatusInternal and never exposed verbatim.
type Error struct {
	Status  Status
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func invalidArgument(format string, args ...any) error {
	return &Error{Status: StatusInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &Error{Status: StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &Error{Status: StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

func internal(msg string, cause error) error {
	return &Error{Status: StatusInternal, Message: msg, cause: cause}
}

// StatusOf extracts the Status from an error, defaulting to StatusInternal
// for errors that did not originate in this package.
func StatusOf(err error) Status {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternal
}

// PublicMessage returns the client-safe message for an error. Internal
// causes are hidden behind a generic message.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Status != StatusInternal {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps a Status to its HTTP status code.
func HTTPStatus(s Status) int {
	switch s {
	case StatusInvalidArgument:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	case StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
