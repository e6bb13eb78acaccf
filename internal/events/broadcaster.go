// Package events provides an SSE event broadcaster for archive changes.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annales/annales/internal/metrics"
)

const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// subscriberBuffer is the per-subscription event backlog. Once it fills,
// further events for that subscription are dropped.
const subscriberBuffer = 64

// Event represents one committed document mutation. File holds the
// document record as the API serializes it, so subscribers see the same
// shape as the REST responses.
type Event struct {
	Type      string          `json:"type"`
	File      json.RawMessage `json:"file"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcaster fans committed document mutations out to SSE handlers.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

// Subscription is one listener's handle on the event stream. Receive
// from C; call Close once the stream is no longer needed (calling it
// again is harmless).
type Subscription struct {
	C <-chan Event

	ch      chan Event
	b       *Broadcaster
	id      int
	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*Subscription)}
}

// Subscribe registers a listener for all events published from now on.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	active := len(b.subs)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(active))
	return sub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	_, ok := s.b.subs[s.id]
	if ok {
		delete(s.b.subs, s.id)
		close(s.ch)
	}
	active := len(s.b.subs)
	s.b.mu.Unlock()

	if ok {
		metrics.SetSSEConnectionsActive(int64(active))
	}
}

// Dropped reports how many events this subscription missed because its
// backlog was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Publish delivers an event to every subscriber without blocking. A
// subscriber that has stopped draining its channel misses the event and
// has its drop counter bumped; delivery to the others is unaffected.
// A zero Timestamp is stamped with the current time.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.Lock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			metrics.RecordSSEEventDropped()
		}
	}
	b.mu.Unlock()

	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
