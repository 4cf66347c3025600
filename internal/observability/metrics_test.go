package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	SetActiveSessions(3)
	RecordSessionCreated()
	RecordSessionFailed()
	RecordCommand("navigate", "success", 150*time.Millisecond)
	RecordCommand("screenshot", "timeout", 2*time.Second)
	RecordEnqueue("sess-1", 5)
	RecordEnqueue("sess-2", 2)
	RecordLaunchDuration(900 * time.Millisecond)
	RecordStoreWrite("session_transitions", nil)
	RecordCacheOp("put", nil)

	body := scrape(t)

	assert.Contains(t, body, "sessions_active 3")
	assert.Contains(t, body, "sessions_failed_total")
	assert.Contains(t, body, `commands_total{kind="navigate",result="success"}`)
	assert.Contains(t, body, `commands_total{kind="screenshot",result="timeout"}`)
	assert.Contains(t, body, `command_queue_depth{lane="sess-1"} 5`)
	assert.Contains(t, body, `command_queue_depth{lane="sess-2"} 2`)
	assert.Contains(t, body, "driver_launch_duration_seconds")
	assert.Contains(t, body, `store_writes_total{status="ok",table="session_transitions"}`)

	// Retired lanes drop out of the exposition
	ClearQueueDepth("sess-2")
	assert.NotContains(t, scrape(t), `command_queue_depth{lane="sess-2"}`)
}

func TestEnsureRegisteredIdempotent(t *testing.T) {
	EnsureRegistered()
	EnsureRegistered()
	assert.NotNil(t, Handler())
}
