package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/internal/tracing"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/session"
)

// DefaultQueueDepth bounds how many commands may wait per session
const DefaultQueueDepth = 32

// Config tunes command execution
type Config struct {
	// CommandTimeout bounds a single execution attempt. An attempt that
	// overruns it is treated as a wedged browser and fails the session.
	CommandTimeout time.Duration
	// RetryLimit is how many times a transient driver error is retried
	RetryLimit int
	// MaxQueueDepth caps queued commands per session
	MaxQueueDepth int
}

// lane is the per-session FIFO queue plus its single worker flag
type lane struct {
	mu       sync.Mutex
	queue    []*Pending
	running  bool
	inflight string
}

// Dispatcher routes commands to sessions, one at a time per session
type Dispatcher struct {
	registry *session.Registry
	cfg      Config
	recorder Recorder

	mu    sync.Mutex
	lanes map[string]*lane

	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a dispatcher over the given registry
func New(registry *session.Registry, cfg Config, recorder Recorder) *Dispatcher {
	observability.EnsureRegistered()

	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultQueueDepth
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		recorder: recorder,
		lanes:    make(map[string]*lane),
	}

	events, cancel := registry.Events().Subscribe()
	d.unsubscribe = cancel
	go d.watchTerminal(events)

	return d
}

// watchTerminal prunes lanes as their sessions reach a terminal state,
// so the lane map does not grow with every session ever dispatched to.
func (d *Dispatcher) watchTerminal(events <-chan session.Event) {
	for e := range events {
		if e.Status.Terminal() {
			d.pruneLane(e.SessionID)
		}
	}
}

// UpdateConfig applies hot-reloadable execution limits
func (d *Dispatcher) UpdateConfig(commandTimeout time.Duration, retryLimit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if commandTimeout > 0 {
		d.cfg.CommandTimeout = commandTimeout
	}
	if retryLimit >= 0 {
		d.cfg.RetryLimit = retryLimit
	}
}

// Submit validates and enqueues a command on the session's lane. The
// command runs asynchronously; callers use the returned Pending to
// await the outcome. Commands submitted while the session is still
// Initializing wait for the launch to finish.
func (d *Dispatcher) Submit(ctx context.Context, sessionID string, cmd driver.Command) (*Pending, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "dispatcher.submit",
		attribute.String("session_id", sessionID),
		attribute.String("kind", string(cmd.Kind)))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s, err := d.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := admissible(s.Status(), sessionID); err != nil {
		return nil, err
	}

	p, err := newPending(sessionID, cmd)
	if err != nil {
		return nil, err
	}

	ln := d.lane(sessionID)
	ln.mu.Lock()
	if len(ln.queue) >= d.cfg.MaxQueueDepth {
		ln.mu.Unlock()
		return nil, &Error{
			Code:    ErrCodeQueueFull,
			Message: fmt.Sprintf("session %s has %d commands queued", sessionID, d.cfg.MaxQueueDepth),
		}
	}
	ln.queue = append(ln.queue, p)
	depth := len(ln.queue)
	start := !ln.running
	if start {
		ln.running = true
	}
	ln.mu.Unlock()

	observability.RecordEnqueue(sessionID, depth)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", sessionID).
		Str("command_id", p.ID).
		Str("kind", string(cmd.Kind)).
		Int("queue_depth", depth).
		Msg("Command enqueued")

	if start {
		d.wg.Add(1)
		go d.runLane(s, ln)
	}

	return p, nil
}

// admissible rejects submissions to sessions that can never run them
func admissible(st session.Status, sessionID string) error {
	switch st {
	case session.StatusInitializing, session.StatusReady, session.StatusBusy:
		return nil
	case session.StatusFailed:
		return &session.Error{
			Code:    session.ErrCodeSessionFailed,
			Message: fmt.Sprintf("session has failed: %s", sessionID),
		}
	default:
		return &session.Error{
			Code:    session.ErrCodeSessionClosing,
			Message: fmt.Sprintf("session is closing: %s", sessionID),
		}
	}
}

// Cancel removes a still-queued command. In-flight commands cannot be
// interrupted; browsers do not support aborting a CDP call midway.
func (d *Dispatcher) Cancel(sessionID, commandID string) error {
	ln := d.laneIfExists(sessionID)
	if ln == nil {
		return &Error{
			Code:    ErrCodeCommandNotFound,
			Message: fmt.Sprintf("no queued command %s on session %s", commandID, sessionID),
		}
	}

	ln.mu.Lock()
	for i, p := range ln.queue {
		if p.ID != commandID {
			continue
		}
		ln.queue = append(ln.queue[:i], ln.queue[i+1:]...)
		ln.mu.Unlock()

		p.complete(nil, cancelledError(commandID))
		d.record(p, ResultCancelled, cancelledError(commandID))
		log.Info().
			Str("session_id", sessionID).
			Str("command_id", commandID).
			Msg("Queued command cancelled")
		return nil
	}
	inflight := ln.inflight == commandID
	ln.mu.Unlock()

	if inflight {
		return &Error{
			Code:    ErrCodeCommandInFlight,
			Message: fmt.Sprintf("command %s is already executing", commandID),
		}
	}
	return &Error{
		Code:    ErrCodeCommandNotFound,
		Message: fmt.Sprintf("no queued command %s on session %s", commandID, sessionID),
	}
}

// QueueDepth returns how many commands are waiting on the session
func (d *Dispatcher) QueueDepth(sessionID string) int {
	ln := d.laneIfExists(sessionID)
	if ln == nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.queue)
}

// Shutdown cancels all queued commands and waits for in-flight ones
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.unsubscribe()

	d.mu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, ln := range d.lanes {
		lanes = append(lanes, ln)
	}
	d.mu.Unlock()

	for _, ln := range lanes {
		ln.mu.Lock()
		queued := ln.queue
		ln.queue = nil
		ln.mu.Unlock()
		for _, p := range queued {
			p.complete(nil, cancelledError(p.ID))
			d.record(p, ResultCancelled, cancelledError(p.ID))
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) lane(sessionID string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	ln, ok := d.lanes[sessionID]
	if !ok {
		ln = &lane{}
		d.lanes[sessionID] = ln
	}
	return ln
}

// laneIfExists looks a lane up without creating one, so lookups for
// unknown sessions never populate the map.
func (d *Dispatcher) laneIfExists(sessionID string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lanes[sessionID]
}

// pruneLane removes the session's lane once the session is terminal and
// the lane has no worker or queued commands left.
func (d *Dispatcher) pruneLane(sessionID string) {
	if s, err := d.registry.Get(sessionID); err == nil && !s.Status().Terminal() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	ln, ok := d.lanes[sessionID]
	if !ok {
		return
	}
	ln.mu.Lock()
	idle := !ln.running && len(ln.queue) == 0
	ln.mu.Unlock()
	if idle {
		delete(d.lanes, sessionID)
		observability.ClearQueueDepth(sessionID)
	}
}

// runLane drains the session's queue one command at a time
func (d *Dispatcher) runLane(s *session.Session, ln *lane) {
	defer d.wg.Done()

	for {
		ln.mu.Lock()
		if len(ln.queue) == 0 {
			ln.running = false
			ln.mu.Unlock()
			d.pruneLane(s.ID)
			return
		}
		p := ln.queue[0]
		ln.queue = ln.queue[1:]
		ln.inflight = p.ID
		depth := len(ln.queue)
		ln.mu.Unlock()

		observability.SetQueueDepth(s.ID, depth)
		d.execute(s, p)

		ln.mu.Lock()
		ln.inflight = ""
		ln.mu.Unlock()
	}
}

func (d *Dispatcher) execute(s *session.Session, p *Pending) {
	ctx := tracing.WithSessionID(context.Background(), s.ID)
	ctx = tracing.WithCommandID(ctx, p.ID)
	ctx, span := tracing.StartSpan(ctx, "dispatch", "dispatcher.execute",
		attribute.String("session_id", s.ID),
		attribute.String("command_id", p.ID),
		attribute.String("kind", string(p.Kind)))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger)

	// Commands may be queued before the browser finishes launching
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	err := s.AwaitReady(waitCtx)
	cancel()
	if err != nil {
		d.fail(span, p, err)
		return
	}

	if err := s.BeginCommand(); err != nil {
		d.fail(span, p, err)
		return
	}
	defer s.EndCommand()

	d.mu.Lock()
	timeout := d.cfg.CommandTimeout
	retryLimit := d.cfg.RetryLimit
	d.mu.Unlock()

	start := time.Now()
	var res *driver.Result
	for attempt := 0; ; attempt++ {
		p.attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err = s.Handle().Execute(attemptCtx, p.cmd)
		cancel()

		if err == nil || !driver.IsTransient(err) || attempt >= retryLimit {
			break
		}

		observability.RecordCommandRetry()
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Transient driver error, retrying command")
	}
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		result := ResultError
		// A wedged or dead browser takes the whole session down; the
		// remaining queued commands drain with a session error.
		if driver.IsFatal(err) {
			if driver.CodeOf(err) == driver.ErrCodeTimeout {
				result = ResultTimeout
			}
			logger.Error().
				Err(err).
				Dur("duration", duration).
				Msg("Fatal driver error, failing session")
			d.registry.FailSession(s.ID, err)
		} else {
			logger.Error().
				Err(err).
				Dur("duration", duration).
				Msg("Command failed")
		}

		observability.RecordCommand(string(p.Kind), result, duration)
		p.complete(nil, err)
		d.record(p, result, err)
		return
	}

	logger.Debug().
		Dur("duration", duration).
		Int("attempts", p.attempts).
		Msg("Command completed")

	observability.RecordCommand(string(p.Kind), ResultOK, duration)
	p.complete(res, nil)
	d.record(p, ResultOK, nil)
}

// fail completes a command that never reached the browser
func (d *Dispatcher) fail(span trace.Span, p *Pending, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observability.RecordCommand(string(p.Kind), ResultError, 0)
	p.complete(nil, err)
	d.record(p, ResultError, err)
}

func (d *Dispatcher) record(p *Pending, result string, err error) {
	rec := CommandRecord{
		CommandID:   p.ID,
		SessionID:   p.SessionID,
		Kind:        p.Kind,
		Result:      result,
		Attempts:    p.attempts,
		SubmittedAt: p.SubmittedAt,
		CompletedAt: time.Now(),
	}
	if err != nil {
		if code := driver.CodeOf(err); code != "" {
			rec.ErrorCode = code
		} else if code := session.CodeOf(err); code != "" {
			rec.ErrorCode = code
		} else if code := CodeOf(err); code != "" {
			rec.ErrorCode = code
		}
	}
	d.recorder.RecordCommand(rec)
}
