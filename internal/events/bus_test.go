package events

import (
	"testing"
	"time"
)

func TestPublishToSubscriber(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.PublishData(TypeContainerEvent, "h1", "h1:abc123def456", map[string]string{"action": "die"})

	select {
	case got := <-ch:
		if got.Type != TypeContainerEvent {
			t.Errorf("Type = %q, want %q", got.Type, TypeContainerEvent)
		}
		if got.EntityID != "h1:abc123def456" {
			t.Errorf("EntityID = %q", got.EntityID)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Type: TypeHostConnected, HostID: "h1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.HostID != "h1" {
				t.Errorf("subscriber %d: HostID = %q, want h1", i, got.HostID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe()
	defer cancel()

	// Publish more than the buffer size without draining; must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(Event{Type: TypeContainerSnapshot})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	bus.Publish(Event{Type: TypeHostOffline}) // must not panic
}
