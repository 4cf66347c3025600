package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/driver/drivertest"
	"github.com/harun/drover/pkg/session"
)

type apiRig struct {
	adapter  *drivertest.FakeAdapter
	registry *session.Registry
	server   *Server
	ts       *httptest.Server
}

func newAPIRig(t *testing.T, opts ServerOptions) *apiRig {
	t.Helper()

	adapter := drivertest.NewFakeAdapter()
	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions: 4,
		AdapterFactory: func(string) (driver.Adapter, error) {
			return adapter, nil
		},
	}, nil)
	dispatcher := dispatch.New(registry, dispatch.Config{}, nil)

	srv, err := NewServer(opts, registry, dispatcher, nil, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.rateLimiter.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
		_ = registry.Shutdown(ctx)
	})

	return &apiRig{adapter: adapter, registry: registry, server: srv, ts: ts}
}

func (rig *apiRig) do(t *testing.T, method, path, owner string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, rig.ts.URL+path, &buf)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (rig *apiRig) createSession(t *testing.T, owner string) session.Info {
	t.Helper()
	resp := rig.do(t, http.MethodPost, "/sessions", owner, CreateSessionRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[session.Info](t, resp)

	s, err := rig.registry.Get(info.ID)
	require.NoError(t, err)
	require.NoError(t, s.AwaitReady(context.Background()))
	return info
}

func TestHealthEndpoint(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})

	resp, err := http.Get(rig.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthEndpointComponents(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	rig.server.RegisterHealthCheck("store", func(ctx context.Context) error { return nil })
	rig.server.RegisterHealthCheck("cache", func(ctx context.Context) error { return fmt.Errorf("connection refused") })

	resp, err := http.Get(rig.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["store"])
	assert.Equal(t, "connection refused", components["cache"])
}

func TestMetricsEndpoint(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})

	resp, err := http.Get(rig.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOwnerTokenRequired(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})

	resp := rig.do(t, http.MethodPost, "/sessions", "", CreateSessionRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetSession(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	resp := rig.do(t, http.MethodGet, "/sessions/"+info.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[session.Info](t, resp)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, session.StatusReady, got.Status)

	// Another owner cannot see the session
	resp = rig.do(t, http.MethodGet, "/sessions/"+info.ID, "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionInvalidConfig(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})

	resp := rig.do(t, http.MethodPost, "/sessions", "owner-1", CreateSessionRequest{
		Config: json.RawMessage(`{"engine":"gecko"}`),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, session.ErrCodeValidation, body.Error.Code)
}

func TestCapacityExceededMapsTo429(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	rig.registry.UpdateConfig(1, 0)

	rig.createSession(t, "owner-1")
	resp := rig.do(t, http.MethodPost, "/sessions", "owner-1", CreateSessionRequest{})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, session.ErrCodeCapacityExceeded, body.Error.Code)
}

func TestListSessionsFiltersByOwner(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	rig.createSession(t, "owner-1")
	rig.createSession(t, "owner-2")

	resp := rig.do(t, http.MethodGet, "/sessions", "owner-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decode[[]session.Info](t, resp)
	require.Len(t, infos, 1)
	assert.Equal(t, "owner-1", infos[0].OwnerToken)
}

func TestSubmitCommand(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	resp := rig.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/commands", info.ID), "owner-1", SubmitCommandRequest{
		Kind: driver.KindNavigate,
		URL:  "https://example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cr := decode[CommandResponse](t, resp)
	assert.Equal(t, "completed", cr.Status)
	assert.NotEmpty(t, cr.CommandID)
	require.NotNil(t, cr.Result)
	assert.Equal(t, "https://example.com", cr.Result.URL)
}

func TestSubmitCommandAsync(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	wait := false
	resp := rig.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/commands", info.ID), "owner-1", SubmitCommandRequest{
		Kind: driver.KindNavigate,
		URL:  "https://example.com",
		Wait: &wait,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	cr := decode[CommandResponse](t, resp)
	assert.Equal(t, "queued", cr.Status)
	assert.Nil(t, cr.Result)
}

func TestSubmitCommandValidation(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	resp := rig.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/commands", info.ID), "owner-1", SubmitCommandRequest{
		Kind: driver.KindNavigate,
		URL:  "javascript:alert(1)",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, driver.ErrCodeValidation, body.Error.Code)
}

func TestCloseSession(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	resp := rig.do(t, http.MethodDelete, "/sessions/"+info.ID, "owner-1", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Idempotent
	resp = rig.do(t, http.MethodDelete, "/sessions/"+info.ID, "owner-1", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	s, err := rig.registry.Get(info.ID)
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Status() != session.StatusClosed {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StatusClosed, s.Status())
}

func TestCancelUnknownCommand(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	resp := rig.do(t, http.MethodDelete, fmt.Sprintf("/sessions/%s/commands/%s", info.ID, "nope"), "owner-1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, dispatch.ErrCodeCommandNotFound, body.Error.Code)
}

func TestRateLimiting(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{RateLimitPerMinute: 3})

	var limited bool
	for i := 0; i < 5; i++ {
		resp := rig.do(t, http.MethodGet, "/sessions", "owner-1", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.True(t, limited, "rate limit never kicked in")

	// Other owners have their own window
	resp := rig.do(t, http.MethodGet, "/sessions", "owner-2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"session not found", &session.Error{Code: session.ErrCodeNotFound}, http.StatusNotFound},
		{"capacity", &session.Error{Code: session.ErrCodeCapacityExceeded}, http.StatusTooManyRequests},
		{"closing", &session.Error{Code: session.ErrCodeSessionClosing}, http.StatusConflict},
		{"failed", &session.Error{Code: session.ErrCodeSessionFailed}, http.StatusConflict},
		{"driver timeout", &driver.Error{Code: driver.ErrCodeTimeout}, http.StatusGatewayTimeout},
		{"driver crashed", &driver.Error{Code: driver.ErrCodeDriverCrashed}, http.StatusBadGateway},
		{"driver validation", &driver.Error{Code: driver.ErrCodeValidation}, http.StatusBadRequest},
		{"element not found", &driver.Error{Code: driver.ErrCodeElementNotFound}, http.StatusUnprocessableEntity},
		{"queue full", &dispatch.Error{Code: dispatch.ErrCodeQueueFull}, http.StatusTooManyRequests},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Stop()

	require.True(t, rl.Allow("owner"))
	require.False(t, rl.Allow("owner"))
	assert.Greater(t, rl.RetryAfter("owner"), 0)
	assert.Zero(t, rl.RetryAfter("someone-else"))
}

func TestEventStreamOwnerCheck(t *testing.T) {
	rig := newAPIRig(t, ServerOptions{})
	info := rig.createSession(t, "owner-1")

	url := strings.Replace(rig.ts.URL, "http://", "ws://", 1) + "/sessions/" + info.ID + "/events?owner=owner-2"
	resp, err := http.Get(strings.Replace(url, "ws://", "http://", 1))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
