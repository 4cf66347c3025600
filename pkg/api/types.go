package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/session"
)

// OwnerHeader carries the caller's owner token
const OwnerHeader = "X-Drover-Owner"

// CreateSessionRequest is the POST /sessions payload
type CreateSessionRequest struct {
	// Config is validated against the session config schema
	Config json.RawMessage `json:"config,omitempty"`
}

// SubmitCommandRequest is the POST /sessions/{id}/commands payload
type SubmitCommandRequest struct {
	Kind     driver.CommandKind `json:"kind"`
	URL      string             `json:"url,omitempty"`
	Script   string             `json:"script,omitempty"`
	Selector string             `json:"selector,omitempty"`
	Value    string             `json:"value,omitempty"`
	Extract  string             `json:"extract,omitempty"`
	FullPage bool               `json:"full_page,omitempty"`

	// Wait blocks the request until the command completes. When false
	// the server replies 202 with the command ID immediately.
	Wait *bool `json:"wait,omitempty"`
}

func (r *SubmitCommandRequest) command() driver.Command {
	return driver.Command{
		Kind:     r.Kind,
		URL:      r.URL,
		Script:   r.Script,
		Selector: r.Selector,
		Value:    r.Value,
		Extract:  r.Extract,
		FullPage: r.FullPage,
	}
}

// CommandResponse is returned for submitted commands
type CommandResponse struct {
	CommandID   string         `json:"command_id"`
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Result      *driver.Result `json:"result,omitempty"`
	Error       *ErrorBody     `json:"error,omitempty"`
}

// ErrorBody is the error payload for every non-2xx response
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// errorBody maps any module error to a wire payload
func errorBody(err error) ErrorBody {
	body := ErrorBody{Code: "INTERNAL", Message: err.Error()}
	if code := session.CodeOf(err); code != "" {
		body.Code = code
	} else if code := driver.CodeOf(err); code != "" {
		body.Code = code
	} else if code := dispatch.CodeOf(err); code != "" {
		body.Code = code
	}
	return body
}

// statusOf maps error codes to HTTP statuses
func statusOf(err error) int {
	switch session.CodeOf(err) {
	case session.ErrCodeNotFound:
		return http.StatusNotFound
	case session.ErrCodeCapacityExceeded:
		return http.StatusTooManyRequests
	case session.ErrCodeSessionClosing, session.ErrCodeSessionFailed:
		return http.StatusConflict
	case session.ErrCodeValidation:
		return http.StatusBadRequest
	}

	switch driver.CodeOf(err) {
	case driver.ErrCodeValidation:
		return http.StatusBadRequest
	case driver.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case driver.ErrCodeDriverCrashed, driver.ErrCodeLaunchFailed:
		return http.StatusBadGateway
	case driver.ErrCodeElementNotFound, driver.ErrCodeScriptExecution,
		driver.ErrCodeTransient:
		return http.StatusUnprocessableEntity
	}

	switch dispatch.CodeOf(err) {
	case dispatch.ErrCodeCommandNotFound:
		return http.StatusNotFound
	case dispatch.ErrCodeCommandInFlight, dispatch.ErrCodeCancelled:
		return http.StatusConflict
	case dispatch.ErrCodeQueueFull:
		return http.StatusTooManyRequests
	}

	return http.StatusInternalServerError
}
