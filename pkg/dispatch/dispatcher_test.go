package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/driver/drivertest"
	"github.com/harun/drover/pkg/session"
)

type memRecorder struct {
	mu      sync.Mutex
	records []CommandRecord
}

func (m *memRecorder) RecordCommand(rec CommandRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) all() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommandRecord(nil), m.records...)
}

type testRig struct {
	adapter    *drivertest.FakeAdapter
	registry   *session.Registry
	dispatcher *Dispatcher
	recorder   *memRecorder
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	adapter := drivertest.NewFakeAdapter()
	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions: 8,
		AdapterFactory: func(string) (driver.Adapter, error) {
			return adapter, nil
		},
	}, nil)
	rec := &memRecorder{}
	d := New(registry, cfg, rec)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
		_ = registry.Shutdown(ctx)
	})

	return &testRig{adapter: adapter, registry: registry, dispatcher: d, recorder: rec}
}

func (r *testRig) readySession(t *testing.T) *session.Session {
	t.Helper()
	s, err := r.registry.Create(context.Background(), "owner", nil)
	require.NoError(t, err)
	require.NoError(t, s.AwaitReady(context.Background()))
	return s
}

func navigate(url string) driver.Command {
	return driver.Command{Kind: driver.KindNavigate, URL: url}
}

func TestSubmitExecutesCommand(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	require.NoError(t, err)

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, driver.KindNavigate, res.Kind)
	assert.Equal(t, "https://example.com", res.URL)
	assert.Equal(t, session.StatusReady, s.Status())

	records := rig.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, ResultOK, records[0].Result)
	assert.Equal(t, 1, records[0].Attempts)
}

func TestSubmitValidatesCommand(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	_, err := rig.dispatcher.Submit(context.Background(), s.ID, driver.Command{Kind: driver.KindNavigate})
	assert.Equal(t, driver.ErrCodeValidation, driver.CodeOf(err))

	_, err = rig.dispatcher.Submit(context.Background(), s.ID, navigate("javascript:alert(1)"))
	assert.Equal(t, driver.ErrCodeValidation, driver.CodeOf(err))
}

func TestSubmitUnknownSession(t *testing.T) {
	rig := newRig(t, Config{})

	_, err := rig.dispatcher.Submit(context.Background(), "nope", navigate("https://example.com"))
	assert.Equal(t, session.ErrCodeNotFound, session.CodeOf(err))
}

func TestCommandsRunInOrderWithoutOverlap(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = 10 * time.Millisecond

	urls := []string{"https://a.test", "https://b.test", "https://c.test", "https://d.test"}
	var pendings []*Pending
	for _, u := range urls {
		p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate(u))
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	for _, p := range pendings {
		_, err := p.Wait(context.Background())
		require.NoError(t, err)
	}

	executed := h.Executed()
	require.Len(t, executed, len(urls))
	for i, u := range urls {
		assert.Equal(t, u, executed[i].URL)
	}
	assert.False(t, h.Overlapped(), "commands must never execute concurrently on one session")
}

func TestSubmitDuringInitializingWaits(t *testing.T) {
	rig := newRig(t, Config{})
	rig.adapter.LaunchDelay = 30 * time.Millisecond

	s, err := rig.registry.Create(context.Background(), "owner", nil)
	require.NoError(t, err)
	require.Equal(t, session.StatusInitializing, s.Status())

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	require.NoError(t, err)

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.URL)
}

func TestTransientErrorRetries(t *testing.T) {
	rig := newRig(t, Config{RetryLimit: 2})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	transient := &driver.Error{Code: driver.ErrCodeTransient, Message: "target crashed softly"}
	h.SetExecuteErrs(transient, transient, nil)

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, s.Status())

	records := rig.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestTransientErrorExhaustsRetries(t *testing.T) {
	rig := newRig(t, Config{RetryLimit: 1})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	transient := &driver.Error{Code: driver.ErrCodeTransient, Message: "flaky target"}
	h.SetExecuteErrs(transient, transient, transient)

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	assert.Equal(t, driver.ErrCodeTransient, driver.CodeOf(err))
	// Transient failures never take the session down
	assert.Equal(t, session.StatusReady, s.Status())
}

func TestTimeoutFailsSession(t *testing.T) {
	rig := newRig(t, Config{CommandTimeout: 30 * time.Millisecond})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = time.Second

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://slow.test"))
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	assert.Equal(t, driver.ErrCodeTimeout, driver.CodeOf(err))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Status() != session.StatusFailed {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, session.StatusFailed, s.Status())

	records := rig.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, ResultTimeout, records[0].Result)
}

func TestQueuedCommandsDrainAfterSessionFails(t *testing.T) {
	rig := newRig(t, Config{CommandTimeout: 30 * time.Millisecond})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = time.Second

	first, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://slow.test"))
	require.NoError(t, err)
	second, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://next.test"))
	require.NoError(t, err)

	_, err = first.Wait(context.Background())
	assert.Equal(t, driver.ErrCodeTimeout, driver.CodeOf(err))

	_, err = second.Wait(context.Background())
	assert.Equal(t, session.ErrCodeSessionFailed, session.CodeOf(err))
}

func TestSubmitToClosedSession(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	require.NoError(t, rig.registry.Close(context.Background(), s.ID))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Status() != session.StatusClosed {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	assert.Equal(t, session.ErrCodeSessionClosing, session.CodeOf(err))
}

func (d *Dispatcher) laneCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func awaitLaneCount(t *testing.T, d *Dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.laneCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lane count never reached %d, stuck at %d", want, d.laneCount())
}

func TestFailedSessionLanePruned(t *testing.T) {
	rig := newRig(t, Config{CommandTimeout: 30 * time.Millisecond})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = time.Second

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://slow.test"))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	assert.Equal(t, driver.ErrCodeTimeout, driver.CodeOf(err))

	awaitLaneCount(t, rig.dispatcher, 0)
}

func TestClosedSessionLanePruned(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	p, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://example.com"))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rig.dispatcher.laneCount())

	// The lane goes away with its session even though the worker
	// already exited idle
	require.NoError(t, rig.registry.Close(context.Background(), s.ID))
	awaitLaneCount(t, rig.dispatcher, 0)
}

func TestCancelUnknownSessionCreatesNoLane(t *testing.T) {
	rig := newRig(t, Config{})

	err := rig.dispatcher.Cancel("no-such-session", "no-such-command")
	assert.Equal(t, ErrCodeCommandNotFound, CodeOf(err))
	assert.Zero(t, rig.dispatcher.laneCount())
	assert.Zero(t, rig.dispatcher.QueueDepth("no-such-session"))
}

func TestCancelQueuedCommand(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = 100 * time.Millisecond

	running, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://a.test"))
	require.NoError(t, err)
	queued, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://b.test"))
	require.NoError(t, err)

	require.NoError(t, rig.dispatcher.Cancel(s.ID, queued.ID))
	_, err = queued.Wait(context.Background())
	assert.Equal(t, ErrCodeCancelled, CodeOf(err))

	// The in-flight command is unaffected
	_, err = running.Wait(context.Background())
	require.NoError(t, err)

	err = rig.dispatcher.Cancel(s.ID, "no-such-command")
	assert.Equal(t, ErrCodeCommandNotFound, CodeOf(err))
}

func TestQueueDepthLimit(t *testing.T) {
	rig := newRig(t, Config{MaxQueueDepth: 2})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = 200 * time.Millisecond

	// First is picked up by the worker; two more fill the queue
	_, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://a.test"))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && rig.dispatcher.QueueDepth(s.ID) > 0 {
		time.Sleep(time.Millisecond)
	}

	_, err = rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://b.test"))
	require.NoError(t, err)
	_, err = rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://c.test"))
	require.NoError(t, err)

	_, err = rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://d.test"))
	assert.Equal(t, ErrCodeQueueFull, CodeOf(err))
}

func TestShutdownCancelsQueued(t *testing.T) {
	rig := newRig(t, Config{})
	s := rig.readySession(t)

	h := rig.adapter.Handles()[0]
	h.ExecuteDelay = 50 * time.Millisecond

	_, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://a.test"))
	require.NoError(t, err)
	queued, err := rig.dispatcher.Submit(context.Background(), s.ID, navigate("https://b.test"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.dispatcher.Shutdown(ctx))

	_, err = queued.Wait(context.Background())
	assert.Equal(t, ErrCodeCancelled, CodeOf(err))
}
