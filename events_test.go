package afk

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestEmitterFanOutOrder(t *testing.T) {
	emitter := NewEmitter()
	defer emitter.Close()

	first, cancelFirst := emitter.Subscribe()
	defer cancelFirst()
	second, cancelSecond := emitter.Subscribe()
	defer cancelSecond()

	types := []EventType{EventRunStarted, EventStepStarted, EventLLMCalled, EventRunCompleted}
	for i, typ := range types {
		emitter.Emit(context.Background(), Event{Type: typ, RunID: "run-1", Step: i})
	}

	for name, ch := range map[string]<-chan Event{"first": first, "second": second} {
		got := collectEvents(t, ch, len(types))
		for i, ev := range got {
			if ev.Type != types[i] {
				t.Errorf("%s subscriber event %d = %q, want %q", name, i, ev.Type, types[i])
			}
		}
	}
}

func TestEmitterStampsEvents(t *testing.T) {
	emitter := NewEmitter()
	defer emitter.Close()
	ch, cancel := emitter.Subscribe()
	defer cancel()

	emitter.Emit(context.Background(), Event{Type: EventWarning, RunID: "run-1"})
	ev := collectEvents(t, ch, 1)[0]
	if ev.SchemaVersion != EventSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", ev.SchemaVersion, EventSchemaVersion)
	}
	if ev.Timestamp == 0 {
		t.Error("Timestamp should be stamped on emit")
	}
}

func TestEmitterPersistsToStore(t *testing.T) {
	store := NewInMemoryStore()
	emitter := NewEmitter(WithEmitterStore(store))
	defer emitter.Close()

	emitter.Emit(context.Background(), Event{Type: EventRunStarted, RunID: "run-1", ThreadID: "thread-1"})
	emitter.Emit(context.Background(), Event{Type: EventRunCompleted, RunID: "run-1", ThreadID: "thread-1"})

	events, err := store.RecentEvents(context.Background(), "thread-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("persisted events = %d, want 2", len(events))
	}
	if events[0].Type != EventRunStarted || events[1].Type != EventRunCompleted {
		t.Errorf("persisted order = %q, %q", events[0].Type, events[1].Type)
	}
}

func TestEmitterPersistenceFailureDoesNotBlock(t *testing.T) {
	emitter := NewEmitter(WithEmitterStore(&failingEventStore{}))
	defer emitter.Close()
	ch, cancel := emitter.Subscribe()
	defer cancel()

	emitter.Emit(context.Background(), Event{Type: EventWarning, RunID: "run-1"})
	ev := collectEvents(t, ch, 1)[0]
	if ev.Type != EventWarning {
		t.Errorf("Type = %q, want %q", ev.Type, EventWarning)
	}
}

// failingEventStore rejects every append.
type failingEventStore struct {
	InMemoryStore
}

func (s *failingEventStore) AppendEvent(context.Context, Event) error {
	return errors.New("disk full")
}

func TestEmitterSlowSubscriberDropsOldest(t *testing.T) {
	emitter := NewEmitter(WithEmitterBuffer(2))
	defer emitter.Close()
	ch, cancel := emitter.Subscribe()
	defer cancel()

	// Nothing reads ch, so the third emit evicts the oldest queued event.
	emitter.Emit(context.Background(), Event{Type: EventRunStarted, Step: 1})
	emitter.Emit(context.Background(), Event{Type: EventStepStarted, Step: 2})
	emitter.Emit(context.Background(), Event{Type: EventRunCompleted, Step: 3})

	got := collectEvents(t, ch, 2)
	if got[0].Step != 2 || got[1].Step != 3 {
		t.Errorf("kept steps = %d, %d, want the two newest (2, 3)", got[0].Step, got[1].Step)
	}
}

func TestEmitterUnsubscribeClosesChannel(t *testing.T) {
	emitter := NewEmitter()
	defer emitter.Close()

	ch, cancel := emitter.Subscribe()
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unsubscribed channel should be closed, not deliver")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribed channel never closed")
	}

	// Unsubscribing twice is harmless.
	cancel()
}

func TestEmitterClose(t *testing.T) {
	emitter := NewEmitter()
	ch, _ := emitter.Subscribe()
	emitter.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed on emitter close")
	}

	// Emit after close is a no-op; Subscribe returns a closed channel.
	emitter.Emit(context.Background(), Event{Type: EventWarning})
	late, cancel := emitter.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed emitter should yield a closed channel")
	}
	emitter.Close()
}
