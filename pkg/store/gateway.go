package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/session"
)

// Gateway decouples the registry and dispatcher hot paths from disk
// and network writes. Records are queued on a buffered channel and
// flushed by a single writer goroutine; when the buffer is full the
// record is dropped with a warning rather than stalling a state
// transition.
type Gateway struct {
	store *Store
	cache *Cache // optional

	ch chan func()
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewGateway starts the background writer. cache may be nil.
func NewGateway(store *Store, cache *Cache) *Gateway {
	g := &Gateway{
		store: store,
		cache: cache,
		ch:    make(chan func(), 1024),
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for fn := range g.ch {
			fn()
		}
	}()

	return g
}

// RecordTransition implements session.Recorder
func (g *Gateway) RecordTransition(t session.Transition) {
	g.enqueue(func() {
		if err := g.store.RecordTransition(t); err != nil {
			log.Error().Err(err).Str("session_id", t.SessionID).Msg("Transition write failed")
		}
		if g.cache == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if t.Status.Terminal() {
			if err := g.cache.Delete(ctx, t.SessionID); err != nil {
				log.Warn().Err(err).Str("session_id", t.SessionID).Msg("Cache eviction failed")
			}
			return
		}
		err := g.cache.Put(ctx, CachedSession{
			SessionID:  t.SessionID,
			OwnerToken: t.OwnerToken,
			Status:     t.Status,
		})
		if err != nil {
			log.Warn().Err(err).Str("session_id", t.SessionID).Msg("Cache update failed")
		}
	})
}

// RecordCommand implements dispatch.Recorder
func (g *Gateway) RecordCommand(rec dispatch.CommandRecord) {
	g.enqueue(func() {
		if err := g.store.RecordCommand(rec); err != nil {
			log.Error().Err(err).Str("command_id", rec.CommandID).Msg("Command write failed")
		}
	})
}

func (g *Gateway) enqueue(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}

	select {
	case g.ch <- fn:
	default:
		log.Warn().Msg("Store gateway buffer full, dropping record")
	}
}

// Close flushes queued writes and stops the writer
func (g *Gateway) Close() {
	g.mu.Lock()
	alreadyClosed := g.closed
	g.closed = true
	g.mu.Unlock()

	if !alreadyClosed {
		close(g.ch)
	}
	g.wg.Wait()
}
