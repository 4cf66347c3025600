// Package daemon wires the orchestrator together: config, logging,
// persistence, the session registry, the dispatcher, and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harun/drover/internal/config"
	"github.com/harun/drover/internal/logger"
	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/internal/tracing"
	"github.com/harun/drover/pkg/api"
	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/session"
	"github.com/harun/drover/pkg/store"
)

// Daemon is the drover daemon service
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	db      *store.Store
	cache   *store.Cache // nil when Redis is unavailable
	gateway *store.Gateway

	registry   *session.Registry
	sweeper    *session.Sweeper
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
	pruner     *cron.Cron // nil when retention is disabled

	configWatcher *config.Watcher

	wg        sync.WaitGroup
	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time daemon summary
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	ActiveSessions int           `json:"active_sessions"`
}

// New creates a daemon instance. Nothing is started yet. configPath
// may be empty to use the default location.
func New(cfg *config.Config, log *logger.Logger, configPath string) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
	}

	if err := tracing.InitOpenTelemetry("drover-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	dbPath := cfg.Store.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "drover.db")
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.db = db

	// Redis is an optimization; the daemon runs without it
	if cfg.Store.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		cache, err := store.NewCache(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB, cfg.CacheTTL())
		cancel()
		if err != nil {
			d.logger.Warn().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("Redis unavailable, session cache disabled")
		} else {
			d.cache = cache
		}
	}

	d.gateway = store.NewGateway(d.db, d.cache)

	d.registry = session.NewRegistry(session.RegistryConfig{
		MaxSessions:   cfg.Sessions.MaxConcurrent,
		IdleTimeout:   cfg.IdleTimeout(),
		LaunchTimeout: cfg.LaunchTimeout(),
		Base: driver.LaunchConfig{
			Headless:    cfg.Driver.Headless,
			NoSandbox:   cfg.Driver.NoSandbox,
			ChromePath:  cfg.Driver.ChromePath,
			UserDataDir: filepath.Join(cfg.DataDir, "profiles"),
			Args:        cfg.Driver.Args,
		},
	}, d.gateway)

	d.sweeper = session.NewSweeper(d.registry, time.Duration(cfg.Sessions.SweepIntervalSeconds)*time.Second)

	d.dispatcher = dispatch.New(d.registry, dispatch.Config{
		CommandTimeout: cfg.CommandTimeout(),
		RetryLimit:     cfg.Sessions.CommandRetryLimit,
	}, d.gateway)

	apiServer, err := api.NewServer(api.ServerOptions{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, d.registry, d.dispatcher, d.db, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	d.apiServer = apiServer
	d.apiServer.RegisterHealthCheck("store", d.db.Ping)
	if d.cache != nil {
		d.apiServer.RegisterHealthCheck("cache", d.cache.Ping)
	}

	return nil
}

// Start brings the daemon up: reconciles persisted sessions, starts the
// sweeper and HTTP server, and begins watching the config file.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting drover daemon")

	d.reconcile()

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	if d.config.Store.RetentionDays > 0 {
		d.pruner = cron.New()
		if _, err := d.pruner.AddFunc("@every 1h", d.pruneHistory); err != nil {
			return fmt.Errorf("failed to schedule history prune: %w", err)
		}
		d.pruner.Start()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.apiServer.Start(); err != nil {
			d.logger.Error().Err(err).Msg("API server exited")
		}
	}()

	d.startConfigWatcher()

	d.logger.Info().
		Str("host", d.config.Server.Host).
		Int("port", d.config.Server.Port).
		Msg("Daemon started")
	return nil
}

// reconcile re-adopts sessions recorded as live before the last restart
func (d *Daemon) reconcile() {
	states, err := d.db.LatestStates()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Could not load persisted sessions, skipping reconciliation")
		return
	}
	if len(states) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.registry.Reconcile(ctx, states)

	d.logger.Info().
		Int("persisted", len(states)).
		Int("adopted", d.registry.ActiveCount()).
		Msg("Session reconciliation finished")
}

// pruneHistory trims transition and command rows past the retention window
func (d *Daemon) pruneHistory() {
	d.mu.RLock()
	retention := d.config.RetentionPeriod()
	d.mu.RUnlock()

	removed, err := d.db.Prune(time.Now().Add(-retention))
	if err != nil {
		d.logger.Warn().Err(err).Msg("History prune failed")
		return
	}
	if removed > 0 {
		d.logger.Info().Int64("rows", removed).Msg("Pruned expired history")
	}
}

func (d *Daemon) startConfigWatcher() {
	loader := config.NewLoader(d.configPath)
	watcher, err := config.NewWatcher(loader, d.applyConfig, d.logger.GetZerolog())
	if err != nil {
		d.logger.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
		return
	}
	if err := watcher.Start(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to start config watcher")
		return
	}
	d.configWatcher = watcher
}

// applyConfig picks up hot-reloadable settings from a changed config
// file. Server address and store paths require a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.registry.UpdateConfig(cfg.Sessions.MaxConcurrent, cfg.IdleTimeout())
	d.dispatcher.UpdateConfig(cfg.CommandTimeout(), cfg.Sessions.CommandRetryLimit)

	d.mu.Lock()
	d.config.Sessions = cfg.Sessions
	d.mu.Unlock()

	d.logger.Info().
		Int("max_concurrent_sessions", cfg.Sessions.MaxConcurrent).
		Int("idle_timeout_seconds", cfg.Sessions.IdleTimeoutSeconds).
		Msg("Configuration reloaded")
}

// Stop shuts everything down in reverse dependency order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping drover daemon")

	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Config watcher stop failed")
		}
	}

	if err := d.apiServer.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("API server stop failed")
	}

	d.sweeper.Stop()
	if d.pruner != nil {
		<-d.pruner.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.dispatcher.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Dispatcher shutdown timed out")
	}
	if err := d.registry.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Registry shutdown timed out")
	}

	// Flush pending writes before closing the stores
	d.gateway.Close()
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Cache close failed")
		}
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Store close failed")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}

	d.wg.Wait()
	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Status reports the daemon's current state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.Uptime = time.Since(d.startTime)
		st.ActiveSessions = d.registry.ActiveCount()
	}
	return st
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *session.Registry {
	return d.registry
}

// GetDispatcher returns the command dispatcher
func (d *Daemon) GetDispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}
