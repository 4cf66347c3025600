// Package session owns the browser session state machine and the
// registry that bounds total resource usage. Each session exclusively
// owns one driver handle for its entire lifetime.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/harun/drover/pkg/driver"
)

// Status is a session lifecycle state
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is final. Terminal sessions are
// never reused; a new request always allocates a new session.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// rank orders statuses so sweep/close races can only move a session
// forward in its state machine, never backward.
func (s Status) rank() int {
	switch s {
	case StatusInitializing:
		return 0
	case StatusReady, StatusBusy:
		return 1
	case StatusClosing:
		return 2
	case StatusClosed, StatusFailed:
		return 3
	}
	return -1
}

// Session is one isolated browser automation instance plus metadata
type Session struct {
	ID         string
	OwnerToken string
	Engine     string
	CreatedAt  time.Time

	mu           sync.Mutex
	status       Status
	lastActiveAt time.Time
	handle       driver.Handle // nil only in Initializing, Closed, Failed
	failure      error
	readyCh      chan struct{} // closed once the session leaves Initializing
	inflight     sync.WaitGroup
}

// Info is an immutable snapshot of session state for callers
type Info struct {
	ID           string    `json:"id"`
	OwnerToken   string    `json:"owner_token"`
	Engine       string    `json:"engine"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Failure      string    `json:"failure,omitempty"`
}

func newSession(id, ownerToken, engine string, now time.Time) *Session {
	return &Session{
		ID:           id,
		OwnerToken:   ownerToken,
		Engine:       engine,
		CreatedAt:    now,
		status:       StatusInitializing,
		lastActiveAt: now,
		readyCh:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActiveAt returns the last activity timestamp
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Handle returns the driver handle, nil unless launched and not yet torn down
func (s *Session) Handle() driver.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Snapshot returns an immutable view of the session
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.ID,
		OwnerToken:   s.OwnerToken,
		Engine:       s.Engine,
		Status:       s.status,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.lastActiveAt,
	}
	if s.failure != nil {
		info.Failure = s.failure.Error()
	}
	return info
}

// AwaitReady blocks until the session leaves Initializing, then reports
// whether it became usable.
func (s *Session) AwaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusFailed:
		return failedError(s.ID)
	case StatusClosing, StatusClosed:
		return closingError(s.ID)
	}
	return nil
}

// BeginCommand moves the session Ready -> Busy and claims the single
// in-flight slot. The dispatcher calls this under its per-session lane,
// so at most one claim is ever outstanding.
func (s *Session) BeginCommand() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusReady:
		s.status = StatusBusy
		s.lastActiveAt = time.Now()
		s.inflight.Add(1)
		return nil
	case StatusFailed:
		return failedError(s.ID)
	default:
		return closingError(s.ID)
	}
}

// EndCommand releases the in-flight slot. The session returns to Ready
// unless something already moved it forward (closing or failed).
func (s *Session) EndCommand() {
	s.mu.Lock()
	if s.status == StatusBusy {
		s.status = StatusReady
	}
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
	s.inflight.Done()
}

// markReady installs the handle after a successful launch. Returns
// false if the session moved forward while launching, in which case the
// caller owns tearing the handle down.
func (s *Session) markReady(h driver.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusInitializing {
		return false
	}
	s.status = StatusReady
	s.handle = h
	s.lastActiveAt = time.Now()
	close(s.readyCh)
	return true
}

// markFailed moves the session to Failed and releases the handle
// reference. Returns the handle that needs teardown, if any.
func (s *Session) markFailed(cause error) (driver.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil, false
	}

	wasInitializing := s.status == StatusInitializing
	s.status = StatusFailed
	s.failure = cause
	h := s.handle
	s.handle = nil
	if wasInitializing {
		close(s.readyCh)
	}
	return h, true
}

// beginClosing moves the session forward into Closing. Returns false if
// it is already Closing or terminal (close is idempotent).
func (s *Session) beginClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.rank() >= StatusClosing.rank() {
		return false
	}

	wasInitializing := s.status == StatusInitializing
	s.status = StatusClosing
	if wasInitializing {
		close(s.readyCh)
	}
	return true
}

// markClosed finalizes teardown and releases the handle reference
func (s *Session) markClosed() driver.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusFailed {
		return nil
	}
	s.status = StatusClosed
	h := s.handle
	s.handle = nil
	return h
}

// waitInflight blocks until any in-flight command finishes
func (s *Session) waitInflight() {
	s.inflight.Wait()
}
