package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventSuccession, AgentID: "a1b2c3d"})

	select {
	case ev := <-ch:
		if ev.Type != EventSuccession || ev.AgentID != "a1b2c3d" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp should be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	// Double unsubscribe is harmless.
	b.Unsubscribe(ch)
	b.Publish(Event{Type: EventRunStarted})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: EventWaveChange})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(Event{Type: EventAgentDone})
	for _, ch := range []chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != EventAgentDone {
				t.Errorf("Type = %q", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}
