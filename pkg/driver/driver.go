// Package driver wraps a single automated browser process behind a
// narrow launch/execute/terminate contract. One handle maps to one
// browser process; handles are never shared across sessions.
package driver

import (
	"context"
	"fmt"
)

// Handle is an exclusively owned reference to one running browser.
// Execute must not be called concurrently on the same handle; the
// dispatcher enforces this, the handle does not re-check it.
type Handle interface {
	// Execute runs one command against the browser. The context deadline
	// bounds the driver call; exceeding it surfaces as a Timeout error.
	Execute(ctx context.Context, cmd Command) (*Result, error)

	// Terminate shuts the browser down, gracefully first, then with a
	// hard kill after a grace period. Idempotent; always releases
	// OS-level resources.
	Terminate(ctx context.Context) error

	// Healthy probes the underlying process. A dead or unreachable
	// process returns a DriverCrashed error.
	Healthy(ctx context.Context) error

	// Endpoint returns the CDP endpoint URL, recorded durably so that a
	// restarted orchestrator can re-probe the process.
	Endpoint() string
}

// Adapter launches browser processes for one engine
type Adapter interface {
	// Launch starts a browser and returns its handle. Fails with
	// LaunchFailed on process error or connection timeout.
	Launch(ctx context.Context, cfg LaunchConfig) (Handle, error)

	// Attach connects to an already-running browser at the given CDP
	// endpoint. Used during post-restart reconciliation.
	Attach(ctx context.Context, endpoint string) (Handle, error)
}

// ForEngine returns the adapter for a supported browser engine.
// The engine is fixed at session creation and never altered afterward.
func ForEngine(engine string) (Adapter, error) {
	switch engine {
	case "chromium", "":
		return NewChromiumAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported browser engine: %q", engine)
	}
}
