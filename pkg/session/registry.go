package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/internal/tracing"
	"github.com/harun/drover/pkg/driver"
)

// Transition is one session state change handed to the Recorder
type Transition struct {
	SessionID  string
	OwnerToken string
	Engine     string
	Endpoint   string
	Status     Status
	At         time.Time
}

// Recorder persists session transitions. Implementations must not
// block; the registry calls it while holding no locks but on hot paths.
type Recorder interface {
	RecordTransition(t Transition)
}

// nopRecorder is used when no persistence is wired
type nopRecorder struct{}

func (nopRecorder) RecordTransition(Transition) {}

// RegistryConfig bounds and configures the session registry
type RegistryConfig struct {
	// MaxSessions caps concurrent non-terminal sessions
	MaxSessions int
	// IdleTimeout is how long a Ready session may sit idle before sweep
	IdleTimeout time.Duration
	// LaunchTimeout bounds browser startup
	LaunchTimeout time.Duration
	// Base is the launch config per-session configs merge over. Its
	// UserDataDir is the profile root; each session launches in its own
	// subdirectory, since Chromium refuses to share one profile between
	// concurrent processes.
	Base driver.LaunchConfig
	// AdapterFactory resolves an engine name to a driver adapter.
	// Defaults to driver.ForEngine.
	AdapterFactory func(engine string) (driver.Adapter, error)
}

// Registry owns all sessions and enforces the capacity limit
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      RegistryConfig

	recorder Recorder
	events   *Broadcaster

	wg sync.WaitGroup
}

// NewRegistry creates a session registry
func NewRegistry(cfg RegistryConfig, recorder Recorder) *Registry {
	observability.EnsureRegistered()

	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 8
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 60 * time.Second
	}
	if cfg.AdapterFactory == nil {
		cfg.AdapterFactory = driver.ForEngine
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		recorder: recorder,
		events:   NewBroadcaster(),
	}
}

// Events returns the broadcaster for session state change notifications
func (r *Registry) Events() *Broadcaster {
	return r.events
}

// ActiveCount returns the number of non-terminal sessions
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.sessions {
		if !s.Status().Terminal() {
			n++
		}
	}
	return n
}

// UpdateConfig applies hot-reloadable limits. Existing sessions are
// unaffected; only admission and sweeping pick up the new values.
func (r *Registry) UpdateConfig(maxSessions int, idleTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxSessions > 0 {
		r.cfg.MaxSessions = maxSessions
	}
	if idleTimeout > 0 {
		r.cfg.IdleTimeout = idleTimeout
	}
}

// Create admits a new session and launches its browser asynchronously.
// The returned session is Initializing; callers use AwaitReady or poll.
func (r *Registry) Create(ctx context.Context, ownerToken string, cfg *CreateConfig) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "session", "registry.create")
	defer span.End()

	if cfg == nil {
		cfg = &CreateConfig{}
	}

	engine := cfg.Engine
	if engine == "" {
		engine = "chromium"
	}
	adapter, err := r.cfg.AdapterFactory(engine)
	if err != nil {
		return nil, &Error{Code: ErrCodeValidation, Message: err.Error()}
	}

	now := time.Now()
	s := newSession(uuid.New().String(), ownerToken, engine, now)

	r.mu.Lock()
	if r.activeLocked() >= r.cfg.MaxSessions {
		max := r.cfg.MaxSessions
		r.mu.Unlock()
		return nil, capacityError(max)
	}
	r.sessions[s.ID] = s
	launchCfg := cfg.apply(r.cfg.Base)
	if launchCfg.UserDataDir != "" {
		launchCfg.UserDataDir = filepath.Join(launchCfg.UserDataDir, s.ID)
	}
	launchTimeout := r.cfg.LaunchTimeout
	r.mu.Unlock()

	span.SetAttributes(attribute.String("session_id", s.ID))
	observability.RecordSessionCreated()
	observability.SetActiveSessions(r.ActiveCount())
	r.notify(s, "")

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_id", s.ID).
		Str("engine", engine).
		Msg("Session admitted, launching browser")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.launch(s, adapter, launchCfg, launchTimeout)
	}()

	return s, nil
}

func (r *Registry) launch(s *Session, adapter driver.Adapter, cfg driver.LaunchConfig, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	h, err := adapter.Launch(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Browser launch failed")
		r.failSession(s, err)
		return
	}
	observability.RecordLaunchDuration(time.Since(start))

	if !s.markReady(h) {
		// Session was closed or failed while launching; the launch
		// goroutine owns this orphaned handle.
		tctx, tcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer tcancel()
		if terr := h.Terminate(tctx); terr != nil {
			log.Warn().Err(terr).Str("session_id", s.ID).Msg("Orphaned handle teardown failed")
		}
		return
	}

	log.Info().
		Str("session_id", s.ID).
		Str("endpoint", h.Endpoint()).
		Dur("launch_duration", time.Since(start)).
		Msg("Session ready")
	r.notify(s, h.Endpoint())
}

// Get returns the session by ID
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return s, nil
}

// List returns snapshots of all known sessions
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// Close moves a session into Closing and tears it down after any
// in-flight command drains. Closing an already closing or terminal
// session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	_, span := tracing.StartSpan(ctx, "session", "registry.close",
		attribute.String("session_id", id))
	defer span.End()

	s, err := r.Get(id)
	if err != nil {
		return err
	}
	r.close(s)
	return nil
}

func (r *Registry) close(s *Session) {
	if !s.beginClosing() {
		return
	}
	r.notify(s, "")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.waitInflight()

		h := s.markClosed()
		if h != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Terminate(ctx); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("Browser teardown failed")
			}
		}

		observability.RecordSessionClosed()
		observability.SetActiveSessions(r.ActiveCount())
		log.Info().Str("session_id", s.ID).Msg("Session closed")
		r.notify(s, "")
	}()
}

// FailSession force-fails a session, typically after a fatal command
// error. The browser process is torn down immediately.
func (r *Registry) FailSession(id string, cause error) {
	s, err := r.Get(id)
	if err != nil {
		return
	}
	r.failSession(s, cause)
}

func (r *Registry) failSession(s *Session, cause error) {
	h, ok := s.markFailed(cause)
	if !ok {
		return
	}

	if h != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Terminate(ctx); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed session teardown error")
			}
		}()
	}

	observability.RecordSessionFailed()
	observability.SetActiveSessions(r.ActiveCount())
	log.Warn().Err(cause).Str("session_id", s.ID).Msg("Session failed")
	r.notify(s, "")
}

// SweepIdle closes sessions idle past the configured timeout and prunes
// terminal sessions from the registry map. Returns how many sessions
// the sweep closed.
func (r *Registry) SweepIdle(now time.Time) int {
	r.mu.Lock()
	idleTimeout := r.cfg.IdleTimeout
	var idle []*Session
	for id, s := range r.sessions {
		st := s.Status()
		if st.Terminal() {
			delete(r.sessions, id)
			continue
		}
		// Initializing sessions are covered by the launch timeout. Busy
		// sessions sweep on lastActiveAt like Ready ones; a command that
		// outlives the idle window drains before teardown.
		if st != StatusReady && st != StatusBusy {
			continue
		}
		if idleTimeout > 0 && now.Sub(s.LastActiveAt()) >= idleTimeout {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		log.Info().
			Str("session_id", s.ID).
			Time("last_active_at", s.LastActiveAt()).
			Msg("Closing idle session")
		r.close(s)
	}
	return len(idle)
}

// PersistedSession is the durable view of a session used for
// reconciliation after a restart.
type PersistedSession struct {
	SessionID  string
	OwnerToken string
	Engine     string
	Endpoint   string
	Status     Status
}

// Reconcile re-adopts sessions recorded as live before a restart. Each
// endpoint is re-probed; reachable browsers become Ready sessions
// again, unreachable ones are recorded as Failed.
func (r *Registry) Reconcile(ctx context.Context, persisted []PersistedSession) {
	for _, p := range persisted {
		if p.Status.Terminal() || p.Status == StatusClosing {
			continue
		}
		if p.Endpoint == "" {
			r.recordDead(p)
			continue
		}

		adapter, err := r.cfg.AdapterFactory(p.Engine)
		if err != nil {
			r.recordDead(p)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		h, err := adapter.Attach(probeCtx, p.Endpoint)
		if err == nil {
			err = h.Healthy(probeCtx)
		}
		cancel()

		if err != nil {
			log.Info().
				Str("session_id", p.SessionID).
				Str("endpoint", p.Endpoint).
				Msg("Persisted session unreachable, marking failed")
			r.recordDead(p)
			continue
		}

		s := newSession(p.SessionID, p.OwnerToken, p.Engine, time.Now())
		s.markReady(h)

		r.mu.Lock()
		r.sessions[s.ID] = s
		r.mu.Unlock()

		log.Info().
			Str("session_id", s.ID).
			Str("endpoint", p.Endpoint).
			Msg("Re-adopted session after restart")
		r.notify(s, p.Endpoint)
	}

	observability.SetActiveSessions(r.ActiveCount())
}

func (r *Registry) recordDead(p PersistedSession) {
	r.recorder.RecordTransition(Transition{
		SessionID:  p.SessionID,
		OwnerToken: p.OwnerToken,
		Engine:     p.Engine,
		Endpoint:   p.Endpoint,
		Status:     StatusFailed,
		At:         time.Now(),
	})
}

// Shutdown closes every live session and waits for teardown goroutines
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.close(s)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify publishes the transition to subscribers and the recorder
func (r *Registry) notify(s *Session, endpoint string) {
	info := s.Snapshot()
	now := time.Now()

	r.events.Publish(Event{
		SessionID: info.ID,
		Status:    info.Status,
		At:        now,
	})
	r.recorder.RecordTransition(Transition{
		SessionID:  info.ID,
		OwnerToken: info.OwnerToken,
		Engine:     info.Engine,
		Endpoint:   endpoint,
		Status:     info.Status,
		At:         now,
	})
}
