package events

import (
	"testing"
)

func TestBusSubscribeAndEmit(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(CacheHit, func(ev Event) {
		got = append(got, ev)
	})

	bus.Emit(CacheHit, map[string]interface{}{"file": "a.md"})
	bus.Emit(ParseStarted, map[string]interface{}{"operations": 3})

	if len(got) != 1 {
		t.Fatalf("handler received %d events, want 1", len(got))
	}
	if got[0].Type != CacheHit {
		t.Errorf("event type = %q, want %q", got[0].Type, CacheHit)
	}
	if got[0].Payload["file"] != "a.md" {
		t.Errorf("payload file = %v, want a.md", got[0].Payload["file"])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("event timestamp not stamped")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsubscribe := bus.Subscribe(BatchCompleted, func(Event) { count++ })

	bus.Emit(BatchCompleted, nil)
	unsubscribe()
	bus.Emit(BatchCompleted, nil)

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}

func TestBusMultipleHandlers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first, second := 0, 0
	bus.Subscribe(BatchFailed, func(Event) { first++ })
	bus.Subscribe(BatchFailed, func(Event) { second++ })

	bus.Emit(BatchFailed, nil)

	if first != 1 || second != 1 {
		t.Errorf("handlers ran %d and %d times, want 1 each", first, second)
	}
}

func TestBusEmitAfterClose(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(ParseCompleted, func(Event) { count++ })
	bus.Close()
	bus.Emit(ParseCompleted, nil)

	if count != 0 {
		t.Errorf("handler ran %d times after close, want 0", count)
	}
}

func TestSubscribeAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus()
	bus.Close()

	called := false
	unsubscribe := bus.Subscribe(CacheHit, func(Event) { called = true })

	bus.Emit(CacheHit, nil)
	unsubscribe()

	if called {
		t.Error("handler ran on a closed bus")
	}
	if len(bus.handlers) != 0 {
		t.Errorf("closed bus retained %d handler lists", len(bus.handlers))
	}
}
