package session

import (
	"sync"
	"time"
)

// Event is a session state transition notification
type Event struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}

// Broadcaster fans session events out to subscribers. Slow subscribers
// drop events rather than block state transitions.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewBroadcaster creates an event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// must be called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
