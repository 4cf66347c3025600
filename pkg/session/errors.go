package session

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeSessionClosing   = "SESSION_CLOSING"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// Error is a typed session lifecycle fault
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the session error code, or empty for foreign errors
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func notFoundError(id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("session not found: %s", id),
	}
}

func capacityError(max int) *Error {
	return &Error{
		Code:    ErrCodeCapacityExceeded,
		Message: fmt.Sprintf("maximum concurrent sessions reached (%d)", max),
	}
}

func closingError(id string) *Error {
	return &Error{
		Code:    ErrCodeSessionClosing,
		Message: fmt.Sprintf("session is closing: %s", id),
	}
}

func failedError(id string) *Error {
	return &Error{
		Code:    ErrCodeSessionFailed,
		Message: fmt.Sprintf("session has failed: %s", id),
	}
}
