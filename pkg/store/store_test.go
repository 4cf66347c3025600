package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "drover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func transition(id string, st session.Status, endpoint string, at time.Time) session.Transition {
	return session.Transition{
		SessionID:  id,
		OwnerToken: "owner-1",
		Engine:     "chromium",
		Endpoint:   endpoint,
		Status:     st,
		At:         at,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestSessionHistory(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.RecordTransition(transition("s1", session.StatusInitializing, "", now)))
	require.NoError(t, s.RecordTransition(transition("s1", session.StatusReady, "ws://localhost:9222/a", now.Add(time.Second))))
	require.NoError(t, s.RecordTransition(transition("s1", session.StatusClosed, "", now.Add(time.Minute))))

	history, err := s.SessionHistory("s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, session.StatusInitializing, history[0].Status)
	assert.Equal(t, session.StatusReady, history[1].Status)
	assert.Equal(t, "ws://localhost:9222/a", history[1].Endpoint)
	assert.Equal(t, session.StatusClosed, history[2].Status)

	history, err = s.SessionHistory("unknown")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLatestStates(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	// s1 ended closed, s2 is still ready, s3 went busy mid-command
	require.NoError(t, s.RecordTransition(transition("s1", session.StatusReady, "ws://localhost:9222/a", now)))
	require.NoError(t, s.RecordTransition(transition("s1", session.StatusClosed, "", now.Add(time.Second))))
	require.NoError(t, s.RecordTransition(transition("s2", session.StatusReady, "ws://localhost:9223/b", now)))
	require.NoError(t, s.RecordTransition(transition("s3", session.StatusReady, "ws://localhost:9224/c", now)))
	require.NoError(t, s.RecordTransition(transition("s3", session.StatusBusy, "", now.Add(time.Second))))

	states, err := s.LatestStates()
	require.NoError(t, err)

	byID := make(map[string]session.PersistedSession, len(states))
	for _, p := range states {
		byID[p.SessionID] = p
	}
	require.Len(t, byID, 3)

	assert.Equal(t, session.StatusClosed, byID["s1"].Status)
	assert.Equal(t, session.StatusReady, byID["s2"].Status)
	assert.Equal(t, "ws://localhost:9223/b", byID["s2"].Endpoint)

	// The busy session keeps the endpoint from its earlier ready record
	assert.Equal(t, session.StatusBusy, byID["s3"].Status)
	assert.Equal(t, "ws://localhost:9224/c", byID["s3"].Endpoint)
}

func TestCommandHistory(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	recs := []dispatch.CommandRecord{
		{CommandID: "c1", SessionID: "s1", Kind: driver.KindNavigate, Result: dispatch.ResultOK, Attempts: 1, SubmittedAt: now, CompletedAt: now.Add(time.Second)},
		{CommandID: "c2", SessionID: "s1", Kind: driver.KindEvaluate, Result: dispatch.ResultError, ErrorCode: driver.ErrCodeScriptExecution, Attempts: 2, SubmittedAt: now.Add(2 * time.Second), CompletedAt: now.Add(3 * time.Second)},
		{CommandID: "c3", SessionID: "s2", Kind: driver.KindScreenshot, Result: dispatch.ResultOK, Attempts: 1, SubmittedAt: now, CompletedAt: now.Add(time.Second)},
	}
	for _, rec := range recs {
		require.NoError(t, s.RecordCommand(rec))
	}

	got, err := s.CommandHistory("s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first
	assert.Equal(t, "c2", got[0].CommandID)
	assert.Equal(t, driver.ErrCodeScriptExecution, got[0].ErrorCode)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, "c1", got[1].CommandID)
	assert.Equal(t, driver.KindNavigate, got[1].Kind)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	now := time.Now().UTC()
	require.NoError(t, s.RecordTransition(transition("old", session.StatusClosed, "", old)))
	require.NoError(t, s.RecordTransition(transition("new", session.StatusReady, "ws://localhost:9222/a", now)))
	require.NoError(t, s.RecordCommand(dispatch.CommandRecord{
		CommandID: "c-old", SessionID: "old", Kind: driver.KindNavigate,
		Result: dispatch.ResultOK, Attempts: 1, SubmittedAt: old, CompletedAt: old,
	}))

	n, err := s.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	history, err := s.SessionHistory("old")
	require.NoError(t, err)
	assert.Empty(t, history)
	history, err = s.SessionHistory("new")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
