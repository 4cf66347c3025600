package driver

import "errors"

// Error codes
const (
	ErrCodeLaunchFailed    = "LAUNCH_FAILED"
	ErrCodeDriverCrashed   = "DRIVER_CRASHED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeTransient       = "TRANSIENT_DRIVER_ERROR"
	ErrCodeElementNotFound = "ELEMENT_NOT_FOUND"
	ErrCodeScriptExecution = "SCRIPT_EXECUTION_ERROR"
	ErrCodeValidation      = "VALIDATION_ERROR"
)

// Error is a typed driver fault
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the driver error code, or empty for foreign errors
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsTransient reports whether the error is retryable without failing the session
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeTransient
}

// IsFatal reports whether the error indicates a wedged or dead browser,
// requiring the owning session to be failed
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDriverCrashed, ErrCodeTimeout:
		return true
	}
	return false
}
