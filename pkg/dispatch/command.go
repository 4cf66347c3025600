// Package dispatch serializes browser commands per session. Each
// session gets a FIFO lane with a single worker, so at most one command
// ever touches a browser handle at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/drover/pkg/driver"
)

// Error codes
const (
	ErrCodeCommandNotFound = "COMMAND_NOT_FOUND"
	ErrCodeCommandInFlight = "COMMAND_IN_FLIGHT"
	ErrCodeCancelled       = "COMMAND_CANCELLED"
	ErrCodeQueueFull       = "QUEUE_FULL"
)

// Error is a typed dispatch fault
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the dispatch error code, or empty for foreign errors
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// CommandRecord is the durable view of a completed command
type CommandRecord struct {
	CommandID   string
	SessionID   string
	Kind        driver.CommandKind
	Result      string
	ErrorCode   string
	Attempts    int
	SubmittedAt time.Time
	CompletedAt time.Time
}

// Command outcome labels used for records and metrics
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
)

// Recorder persists completed commands
type Recorder interface {
	RecordCommand(rec CommandRecord)
}

type nopRecorder struct{}

func (nopRecorder) RecordCommand(CommandRecord) {}

// Pending is a submitted command awaiting execution
type Pending struct {
	ID          string
	SessionID   string
	Kind        driver.CommandKind
	SubmittedAt time.Time

	cmd      driver.Command
	attempts int

	done   chan struct{}
	result *driver.Result
	err    error
}

func newPending(sessionID string, cmd driver.Command) (*Pending, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate command ID: %w", err)
	}
	return &Pending{
		ID:          id,
		SessionID:   sessionID,
		Kind:        cmd.Kind,
		SubmittedAt: time.Now(),
		cmd:         cmd,
		done:        make(chan struct{}),
	}, nil
}

// Done is closed once the command completes, cancels, or fails
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until completion and returns the command outcome
func (p *Pending) Wait(ctx context.Context) (*driver.Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete must be called exactly once, by the owning lane worker or
// by Cancel while the command is still queued.
func (p *Pending) complete(res *driver.Result, err error) {
	p.result = res
	p.err = err
	close(p.done)
}

func cancelledError(id string) *Error {
	return &Error{
		Code:    ErrCodeCancelled,
		Message: fmt.Sprintf("command cancelled: %s", id),
	}
}
