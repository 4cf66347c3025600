package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is used when no interval is configured
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically closes idle sessions and prunes terminal ones
type Sweeper struct {
	registry *Registry
	interval time.Duration
	cron     *cron.Cron
	running  bool
}

// NewSweeper creates an idle-session sweeper
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
	}
}

// Start begins the sweep schedule
func (sw *Sweeper) Start() error {
	if sw.running {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", sw.interval)
	if _, err := c.AddFunc(spec, sw.sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	sw.cron = c
	sw.running = true

	log.Info().
		Dur("interval", sw.interval).
		Msg("Idle session sweeper started")
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish
func (sw *Sweeper) Stop() {
	if !sw.running {
		return
	}
	<-sw.cron.Stop().Done()
	sw.running = false
	log.Info().Msg("Idle session sweeper stopped")
}

func (sw *Sweeper) sweep() {
	if n := sw.registry.SweepIdle(time.Now()); n > 0 {
		log.Info().Int("closed", n).Msg("Idle sweep closed sessions")
	}
}
