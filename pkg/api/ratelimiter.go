package api

import (
	"sync"
	"time"
)

// ownerWindow tracks one owner's request timestamps
type ownerWindow struct {
	requests []int64
}

// RateLimiter implements per-owner rate limiting with a sliding window
type RateLimiter struct {
	windows         map[string]*ownerWindow
	maxPerMin       int
	mu              sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopCleanupOnce sync.Once
}

// NewRateLimiter creates a rate limiter allowing maxPerMinute requests
// per owner token
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		windows:         make(map[string]*ownerWindow),
		maxPerMin:       maxPerMinute,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.startCleanup()

	return rl
}

// Allow reports whether a request from the given owner may proceed
func (rl *RateLimiter) Allow(owner string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()

	w, exists := rl.windows[owner]
	if !exists {
		w = &ownerWindow{}
		rl.windows[owner] = w
	}

	// Drop requests older than the one minute window
	valid := w.requests[:0]
	for _, at := range w.requests {
		if now-at < 60000 {
			valid = append(valid, at)
		}
	}
	w.requests = valid

	if len(w.requests) >= rl.maxPerMin {
		return false
	}

	w.requests = append(w.requests, now)
	return true
}

// RetryAfter returns seconds until the owner's window has room again
func (rl *RateLimiter) RetryAfter(owner string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.windows[owner]
	if !exists || len(w.requests) == 0 {
		return 0
	}

	now := time.Now().UnixMilli()
	retryAfterMs := 60000 - (now - w.requests[0])
	if retryAfterMs < 0 {
		return 0
	}
	return int((retryAfterMs + 999) / 1000)
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	for owner, w := range rl.windows {
		stale := true
		for _, at := range w.requests {
			if now-at < 60000 {
				stale = false
				break
			}
		}
		if stale {
			delete(rl.windows, owner)
		}
	}
}

// Stop halts the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopCleanupOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
