// Package drivertest provides an in-memory driver for exercising the
// registry and dispatcher without a real browser process.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/harun/drover/pkg/driver"
)

// FakeAdapter implements driver.Adapter with scriptable behavior
type FakeAdapter struct {
	mu sync.Mutex

	// LaunchErr, when set, is returned by Launch
	LaunchErr error
	// LaunchDelay delays Launch to simulate slow browser startup
	LaunchDelay time.Duration

	launches int
	configs  []driver.LaunchConfig
	handles  []*FakeHandle
}

// NewFakeAdapter creates a fake adapter
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{}
}

// Launch returns a new fake handle unless LaunchErr is set
func (a *FakeAdapter) Launch(ctx context.Context, cfg driver.LaunchConfig) (driver.Handle, error) {
	a.mu.Lock()
	delay := a.LaunchDelay
	launchErr := a.LaunchErr
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &driver.Error{
				Code:    driver.ErrCodeLaunchFailed,
				Message: "launch cancelled",
			}
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	h := NewFakeHandle()

	a.mu.Lock()
	a.launches++
	a.configs = append(a.configs, cfg)
	a.handles = append(a.handles, h)
	a.mu.Unlock()

	return h, nil
}

// Attach returns a new fake handle with the given endpoint
func (a *FakeAdapter) Attach(ctx context.Context, endpoint string) (driver.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.LaunchErr != nil {
		return nil, a.LaunchErr
	}
	h := NewFakeHandle()
	h.endpoint = endpoint
	a.handles = append(a.handles, h)
	return h, nil
}

// Launches returns how many handles were launched
func (a *FakeAdapter) Launches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.launches
}

// LaunchConfigs returns the config passed to each Launch call, in order
func (a *FakeAdapter) LaunchConfigs() []driver.LaunchConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]driver.LaunchConfig(nil), a.configs...)
}

// Handles returns all handles created so far
func (a *FakeAdapter) Handles() []*FakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeHandle(nil), a.handles...)
}

// FakeHandle records executed commands and detects overlapping calls
type FakeHandle struct {
	mu sync.Mutex

	// ExecuteDelay delays every Execute call
	ExecuteDelay time.Duration
	// ExecuteErrs is consumed one error per Execute call; nil entries succeed
	ExecuteErrs []error
	// HealthErr, when set, is returned by Healthy
	HealthErr error

	endpoint   string
	executed   []driver.Command
	inFlight   bool
	overlapped bool
	terminated int
}

// NewFakeHandle creates a fake handle
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{endpoint: "ws://localhost:9222/fake"}
}

// Execute records the command and honors scripted delays and errors
func (h *FakeHandle) Execute(ctx context.Context, cmd driver.Command) (*driver.Result, error) {
	h.mu.Lock()
	if h.inFlight {
		h.overlapped = true
	}
	h.inFlight = true
	delay := h.ExecuteDelay
	var scripted error
	if len(h.ExecuteErrs) > 0 {
		scripted = h.ExecuteErrs[0]
		h.ExecuteErrs = h.ExecuteErrs[1:]
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inFlight = false
		h.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &driver.Error{
				Code:    driver.ErrCodeTimeout,
				Message: "command deadline exceeded",
			}
		}
	}

	if scripted != nil {
		return nil, scripted
	}

	h.mu.Lock()
	h.executed = append(h.executed, cmd)
	h.mu.Unlock()

	return &driver.Result{Kind: cmd.Kind, URL: cmd.URL}, nil
}

// Terminate counts teardown attempts
func (h *FakeHandle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated++
	return nil
}

// Healthy returns the scripted health error
func (h *FakeHandle) Healthy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.HealthErr
}

// Endpoint returns the fake CDP endpoint
func (h *FakeHandle) Endpoint() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoint
}

// Executed returns the commands executed so far, in order
func (h *FakeHandle) Executed() []driver.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]driver.Command(nil), h.executed...)
}

// Overlapped reports whether two Execute calls ever ran concurrently
func (h *FakeHandle) Overlapped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overlapped
}

// Terminations returns how many times Terminate was called
func (h *FakeHandle) Terminations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// SetExecuteErrs scripts the next Execute outcomes
func (h *FakeHandle) SetExecuteErrs(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ExecuteErrs = errs
}
