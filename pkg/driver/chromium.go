package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// terminateGrace is how long a graceful browser close may take before
// the process is hard-killed.
const terminateGrace = 5 * time.Second

// ChromiumAdapter launches Chromium-family browsers over CDP
type ChromiumAdapter struct{}

// NewChromiumAdapter creates a Chromium adapter
func NewChromiumAdapter() *ChromiumAdapter {
	return &ChromiumAdapter{}
}

// Launch starts a Chromium process and opens its control page
func (a *ChromiumAdapter) Launch(ctx context.Context, cfg LaunchConfig) (Handle, error) {
	l := launcher.New().Headless(cfg.Headless)

	// Port 0 lets the browser pick a free port and report it back in
	// the control URL, so concurrent launches never race for a port.
	if cfg.CDPPort != 0 {
		l = l.RemoteDebuggingPort(cfg.CDPPort)
	}

	if cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	if cfg.ProxyURL != "" {
		l = l.Proxy(cfg.ProxyURL)
	}
	for _, arg := range cfg.Args {
		name, value := splitFlag(arg)
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeLaunchFailed,
			Message: fmt.Sprintf("failed to launch browser: %v", err),
		}
	}

	port, err := parseCDPPort(wsURL)
	if err != nil {
		l.Kill()
		return nil, &Error{
			Code:    ErrCodeLaunchFailed,
			Message: fmt.Sprintf("unexpected control URL %q: %v", wsURL, err),
		}
	}

	handle, err := connect(ctx, wsURL, port, l)
	if err != nil {
		l.Kill()
		return nil, err
	}

	if cfg.Viewport != nil {
		err := handle.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             cfg.Viewport.Width,
			Height:            cfg.Viewport.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			handle.Terminate(ctx)
			return nil, &Error{
				Code:    ErrCodeLaunchFailed,
				Message: fmt.Sprintf("failed to set viewport: %v", err),
			}
		}
	}

	return handle, nil
}

// Attach connects to an already-running browser at the given CDP endpoint
func (a *ChromiumAdapter) Attach(ctx context.Context, endpoint string) (Handle, error) {
	port, err := parseCDPPort(endpoint)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeLaunchFailed,
			Message: fmt.Sprintf("invalid CDP endpoint: %v", err),
		}
	}
	return connect(ctx, endpoint, port, nil)
}

func connect(ctx context.Context, wsURL string, port int, l *launcher.Launcher) (*chromiumHandle, error) {
	if err := waitForCDP(ctx, port); err != nil {
		return nil, err
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, &Error{
			Code:    ErrCodeLaunchFailed,
			Message: fmt.Sprintf("failed to connect to CDP: %v", err),
		}
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		browser.Close()
		return nil, &Error{
			Code:    ErrCodeLaunchFailed,
			Message: fmt.Sprintf("failed to create control page: %v", err),
		}
	}

	return &chromiumHandle{
		browser:  browser,
		page:     page,
		launcher: l,
		wsURL:    wsURL,
		cdpPort:  port,
	}, nil
}

// chromiumHandle drives a single Chromium process
type chromiumHandle struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher // nil for attached handles
	wsURL    string
	cdpPort  int

	terminateOnce sync.Once
	terminateErr  error
}

// Endpoint returns the CDP websocket URL
func (h *chromiumHandle) Endpoint() string {
	return h.wsURL
}

// Execute runs one command. The caller guarantees no concurrent calls
// on the same handle.
func (h *chromiumHandle) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	page := h.page.Context(ctx)

	result := &Result{Kind: cmd.Kind}

	switch cmd.Kind {
	case KindNavigate:
		if err := page.Navigate(cmd.URL); err != nil {
			return nil, h.classify(ctx, err, ErrCodeTransient, "navigation failed")
		}
		if err := page.WaitLoad(); err != nil {
			return nil, h.classify(ctx, err, ErrCodeTransient, "page load failed")
		}
		if info, err := page.Info(); err == nil {
			result.URL = info.URL
			result.Title = info.Title
		}

	case KindEvaluate:
		res, err := page.Eval(cmd.Script)
		if err != nil {
			return nil, h.classify(ctx, err, ErrCodeScriptExecution, "script execution failed")
		}
		result.Value = res.Value.Val()

	case KindScreenshot:
		data, err := page.Screenshot(cmd.FullPage, nil)
		if err != nil {
			return nil, h.classify(ctx, err, ErrCodeScriptExecution, "screenshot failed")
		}
		result.Image = base64.StdEncoding.EncodeToString(data)

	case KindClick:
		elem, err := h.findElement(ctx, page, cmd.Selector)
		if err != nil {
			return nil, err
		}
		if err := elem.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return nil, h.classify(ctx, err, ErrCodeScriptExecution, "click failed")
		}

	case KindType:
		elem, err := h.findElement(ctx, page, cmd.Selector)
		if err != nil {
			return nil, err
		}
		if err := elem.Input(cmd.Value); err != nil {
			return nil, h.classify(ctx, err, ErrCodeScriptExecution, "input failed")
		}

	case KindExtract:
		text, err := h.extract(ctx, page, cmd)
		if err != nil {
			return nil, err
		}
		result.Text = text

	case KindClose:
		// Close is handled by Terminate; executing it is a no-op so the
		// dispatcher can record it in command history like any other kind.
	}

	result.Duration = time.Since(start).Milliseconds()
	return result, nil
}

// elementWait bounds how long a selector lookup may block. Kept well
// under typical command deadlines so a missing element is reported as
// ELEMENT_NOT_FOUND rather than a session-fatal timeout.
const elementWait = 10 * time.Second

func (h *chromiumHandle) findElement(ctx context.Context, page *rod.Page, selector string) (*rod.Element, error) {
	elemCtx, cancel := context.WithTimeout(ctx, elementWait)
	defer cancel()

	elem, err := page.Context(elemCtx).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			return nil, h.classify(ctx, err, ErrCodeScriptExecution, "element lookup failed")
		}
		return nil, &Error{
			Code:    ErrCodeElementNotFound,
			Message: fmt.Sprintf("element not found: %s", selector),
			Details: map[string]interface{}{"selector": selector},
		}
	}
	return elem, nil
}

func (h *chromiumHandle) extract(ctx context.Context, page *rod.Page, cmd Command) (string, error) {
	switch cmd.Extract {
	case "html":
		html, err := page.HTML()
		if err != nil {
			return "", h.classify(ctx, err, ErrCodeScriptExecution, "failed to extract HTML")
		}
		return html, nil
	case "selector":
		elem, err := h.findElement(ctx, page, cmd.Selector)
		if err != nil {
			return "", err
		}
		text, err := elem.Text()
		if err != nil {
			return "", h.classify(ctx, err, ErrCodeScriptExecution, "failed to extract element text")
		}
		return text, nil
	default: // "text"
		res, err := page.Eval(`() => document.body.innerText`)
		if err != nil {
			return "", h.classify(ctx, err, ErrCodeScriptExecution, "failed to extract text")
		}
		return res.Value.String(), nil
	}
}

// classify maps a raw rod error to a typed driver error. A deadline
// overrun becomes Timeout unless the process itself is gone, in which
// case it becomes DriverCrashed.
func (h *chromiumHandle) classify(ctx context.Context, err error, fallbackCode, msg string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		if probeErr := h.Healthy(context.Background()); probeErr != nil {
			return &Error{
				Code:    ErrCodeDriverCrashed,
				Message: fmt.Sprintf("browser process unreachable: %v", err),
			}
		}
		return &Error{
			Code:    ErrCodeTimeout,
			Message: fmt.Sprintf("%s: deadline exceeded", msg),
		}
	}

	if probeErr := h.Healthy(context.Background()); probeErr != nil {
		return &Error{
			Code:    ErrCodeDriverCrashed,
			Message: fmt.Sprintf("browser process unreachable: %v", err),
		}
	}

	return &Error{
		Code:    fallbackCode,
		Message: fmt.Sprintf("%s: %v", msg, err),
	}
}

// Healthy probes the CDP TCP endpoint
func (h *chromiumHandle) Healthy(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", h.cdpPort), 2*time.Second)
	if err != nil {
		return &Error{
			Code:    ErrCodeDriverCrashed,
			Message: "CDP endpoint not responding",
		}
	}
	conn.Close()
	return nil
}

// Terminate closes the browser, falling back to a hard kill
func (h *chromiumHandle) Terminate(ctx context.Context) error {
	h.terminateOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- h.browser.Close()
		}()

		select {
		case err := <-done:
			h.terminateErr = err
		case <-time.After(terminateGrace):
			h.terminateErr = fmt.Errorf("graceful close timed out after %v", terminateGrace)
		case <-ctx.Done():
			h.terminateErr = ctx.Err()
		}

		// Hard kill releases the process regardless of how the graceful
		// close went; for attached handles there is no launcher to kill.
		if h.launcher != nil {
			h.launcher.Kill()
		}
	})
	return h.terminateErr
}

// waitForCDP waits for the CDP endpoint to accept connections
func waitForCDP(ctx context.Context, port int) error {
	timeout := 10 * time.Second
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return &Error{
				Code:    ErrCodeLaunchFailed,
				Message: fmt.Sprintf("launch cancelled: %v", ctx.Err()),
			}
		default:
		}

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return &Error{
		Code:    ErrCodeLaunchFailed,
		Message: fmt.Sprintf("CDP endpoint not available after %v", timeout),
	}
}

// parseCDPPort extracts the port from a ws://host:port/... endpoint
func parseCDPPort(endpoint string) (int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(endpoint, "ws://"), "http://")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		trimmed = trimmed[:i]
	}
	_, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid CDP endpoint %q: %w", endpoint, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid CDP port in %q", endpoint)
	}
	return port, nil
}

// splitFlag splits a raw "--name=value" argument into launcher flag parts
func splitFlag(arg string) (string, string) {
	name := strings.TrimLeft(arg, "-")
	if i := strings.Index(name, "="); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
