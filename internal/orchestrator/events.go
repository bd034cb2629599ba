package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// Task statuses carried by events and recorded in the store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event describes a task state change.
type Event struct {
	RunID      string    `json:"run_id,omitempty"`
	Handle     Handle    `json:"handle"`
	Kind       string    `json:"kind"`
	Index      int       `json:"index"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than block the publisher.
type Bus struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	closed    bool
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, 64)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event channel full", "subscriber", id, "handle", ev.Handle)
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
