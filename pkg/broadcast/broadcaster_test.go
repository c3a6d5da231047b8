package broadcast

import (
	"fmt"
	"testing"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("client-1", 8)
	hub.Subscribe("client-1", "job-1")

	hub.Publish(Event{Type: "job:progress", EntityID: "job-1", Payload: 50})

	ev := <-ch
	if ev.Type != "job:progress" || ev.EntityID != "job-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestPublishSkipsNonWatchers(t *testing.T) {
	hub := NewHub()
	chA := hub.Register("a", 8)
	hub.Register("b", 8)
	hub.Subscribe("a", "job-1")
	// b watches nothing.

	hub.Publish(Event{Type: "job:progress", EntityID: "job-1"})
	hub.Publish(Event{Type: "job:progress", EntityID: "job-2"})

	if got := len(chA); got != 1 {
		t.Errorf("subscriber a buffered %d events, want 1", got)
	}
}

func TestSubscribeUnknownEntityIsNotAnError(t *testing.T) {
	hub := NewHub()
	hub.Register("a", 8)
	hub.Subscribe("a", "no-such-job") // must not panic or error
	hub.Publish(Event{Type: "job:progress", EntityID: "other"})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("a", 8)
	hub.Subscribe("a", "job-1")
	hub.Unsubscribe("a", "job-1")

	hub.Publish(Event{Type: "job:progress", EntityID: "job-1"})
	if got := len(ch); got != 0 {
		t.Errorf("received %d events after unsubscribe", got)
	}
}

func TestEventOrderingPerEntity(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("a", 64)
	hub.Subscribe("a", "job-1")

	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: "job:progress", EntityID: "job-1", Payload: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		if ev.Payload.(int) != i {
			t.Fatalf("event %d arrived out of order: %v", i, ev.Payload)
		}
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("slow", 2)
	hub.Subscribe("slow", "job-1")

	// Overflow the buffer; Publish must never block.
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Type: "job:progress", EntityID: "job-1", Payload: i})
	}

	if hub.SubscriberCount() != 0 {
		t.Error("slow subscriber should have been dropped")
	}
	// Channel is closed after the buffered events.
	drained := 0
	for range ch {
		drained++
	}
	if drained != 2 {
		t.Errorf("drained %d buffered events, want 2", drained)
	}
}

func TestDeregisterClosesChannel(t *testing.T) {
	hub := NewHub()
	ch := hub.Register("a", 4)
	hub.Subscribe("a", fmt.Sprintf("job-%d", 1))
	hub.Deregister("a")

	if _, open := <-ch; open {
		t.Error("channel should be closed after deregister")
	}
	// Publishing after deregister must be a no-op.
	hub.Publish(Event{Type: "job:progress", EntityID: "job-1"})
}
