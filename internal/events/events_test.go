package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(Event{Type: TypeCreated, EscrowID: "esc_1"})

	select {
	case e := <-ch:
		if e.Type != TypeCreated || e.EscrowID != "esc_1" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.At.IsZero() {
			t.Error("expected At to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(8)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(8)
	defer cancel2()

	bus.Publish(Event{Type: TypeClaimed, EscrowID: "esc_2"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.EscrowID != "esc_2" {
				t.Errorf("subscriber %d: unexpected event %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	_, cancel := bus.Subscribe(1) // tiny buffer, never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	cancel()
	cancel() // idempotent

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	bus := NewBus(nil)
	ch, _ := bus.Subscribe(8)

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after bus close")
	}

	// Publishing after close must not panic.
	bus.Publish(Event{Type: TypeRefunded})

	// Subscribing after close yields a closed channel.
	ch2, _ := bus.Subscribe(8)
	if _, ok := <-ch2; ok {
		t.Fatal("expected closed channel when subscribing after close")
	}
}
