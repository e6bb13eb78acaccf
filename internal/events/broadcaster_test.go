package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcasterSubscribeClose(t *testing.T) {
	b := NewBroadcaster()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	sub1.Close()
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", b.Count())
	}

	// Closing twice must not panic or disturb other subscriptions
	sub1.Close()
	if b.Count() != 1 {
		t.Fatalf("expected double close to be a no-op, got %d", b.Count())
	}

	sub2.Close()
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	defer sub.Close()

	event := Event{
		Type: EventCreated,
		File: json.RawMessage(`{"id":"abc123"}`),
	}
	b.Publish(event)

	select {
	case received := <-sub.C:
		if received.Type != EventCreated {
			t.Errorf("expected type %s, got %s", EventCreated, received.Type)
		}
		if string(received.File) != `{"id":"abc123"}` {
			t.Errorf("unexpected file payload %s", received.File)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	event := Event{Type: EventUpdated, File: json.RawMessage(`{"id":"shared"}`)}
	b.Publish(event)

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case received := <-sub.C:
			if received.Type != EventUpdated {
				t.Errorf("subscriber %d: expected %s, got %s", i, EventUpdated, received.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	defer slow.Close()

	// Overrun the backlog; Publish must never block
	for i := 0; i < subscriberBuffer+36; i++ {
		b.Publish(Event{Type: EventCreated, File: json.RawMessage(`{"id":"overflow"}`)})
	}

	buffered := 0
	for {
		select {
		case <-slow.C:
			buffered++
			continue
		default:
		}
		break
	}
	if buffered != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, buffered)
	}
	if slow.Dropped() != 36 {
		t.Errorf("expected 36 dropped events, got %d", slow.Dropped())
	}
}

func TestBroadcasterPublishAfterClose(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	sub.Close()

	// A closed subscription no longer receives anything
	b.Publish(Event{Type: EventDeleted, File: json.RawMessage(`{"id":"gone"}`)})

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel, got an event")
	}
	if sub.Dropped() != 0 {
		t.Errorf("closed subscription should not accumulate drops, got %d", sub.Dropped())
	}
}
