package iothub

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations. StatusError unwraps to one of these.
var (
	ErrNotFound           = errors.New("iothub: not found")
	ErrConflict           = errors.New("iothub: already exists")
	ErrPreconditionFailed = errors.New("iothub: etag mismatch")
	ErrBadRequest         = errors.New("iothub: bad request")
	ErrUnauthorized       = errors.New("iothub: unauthorized")
	ErrThrottled          = errors.New("iothub: throttled")
	ErrUnavailable        = errors.New("iothub: unavailable")
	ErrInvalidID          = errors.New("iothub: invalid id")
	ErrResponseTooLarge   = errors.New("iothub: response too large")
	ErrInvalidConnString  = errors.New("iothub: invalid connection string")
)

// StatusError carries the HTTP status and hub error message of a failed call.
type StatusError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v (status %d)", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%v (status %d): %s", e.kind, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

// retryable reports whether a failed call may succeed on a later attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

func statusKind(status int) error {
	switch {
	case status == 400:
		return ErrBadRequest
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status == 412:
		return ErrPreconditionFailed
	case status == 429:
		return ErrThrottled
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrBadRequest
	}
}

// NewStatusError builds the error a call failing with status would return.
func NewStatusError(status int, message string) *StatusError {
	return &StatusError{StatusCode: status, Message: message, kind: statusKind(status)}
}
