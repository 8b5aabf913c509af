package afk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
	fail  int // fail the first n dispatches
}

func (d *countingDispatcher) Dispatch(_ context.Context, req Envelope) (Envelope, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if n <= d.fail {
		return Envelope{}, errors.New("transient dispatch failure")
	}
	return ResponseTo(req, json.RawMessage(`{"ok":true}`), nil), nil
}

func (d *countingDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// --- envelopes ---

func TestNewRequestEnvelope(t *testing.T) {
	env := NewRequestEnvelope("parent", "child", "run-1", "thread-1", json.RawMessage(`{}`), "key-1")
	if env.MessageType != A2ARequest {
		t.Errorf("MessageType = %q, want %q", env.MessageType, A2ARequest)
	}
	if env.ConversationID != "run-1:thread-1" {
		t.Errorf("ConversationID = %q, want run-1:thread-1", env.ConversationID)
	}
	if env.CorrelationID == "" {
		t.Error("CorrelationID should be generated")
	}
	if env.IdempotencyKey != "key-1" {
		t.Errorf("IdempotencyKey = %q, want key-1", env.IdempotencyKey)
	}
	if env.TimestampMS == 0 {
		t.Error("TimestampMS should be set")
	}

	generated := NewRequestEnvelope("parent", "child", "run-1", "thread-1", nil, "")
	if generated.IdempotencyKey == "" {
		t.Error("empty idempotency key should be replaced with a generated one")
	}
}

func TestResponseTo(t *testing.T) {
	req := NewRequestEnvelope("parent", "child", "run-1", "thread-1", nil, "key-1")
	resp := ResponseTo(req, json.RawMessage(`{"done":true}`), map[string]any{"retryable": false})

	if resp.MessageType != A2AResponse {
		t.Errorf("MessageType = %q, want %q", resp.MessageType, A2AResponse)
	}
	if resp.SourceAgent != "child" || resp.TargetAgent != "parent" {
		t.Errorf("direction = %s → %s, want child → parent", resp.SourceAgent, resp.TargetAgent)
	}
	if resp.CorrelationID != req.CorrelationID {
		t.Error("response must preserve the request correlation id")
	}
	if resp.CausationID != req.CorrelationID {
		t.Error("response causation must record the request correlation id")
	}
	if resp.IdempotencyKey != req.IdempotencyKey {
		t.Error("response must carry the request idempotency key")
	}
}

func TestRetryableHint(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		hint     bool
		ok       bool
	}{
		{"nil metadata", nil, false, false},
		{"missing key", map[string]any{"other": true}, false, false},
		{"non-bool value", map[string]any{"retryable": "yes"}, false, false},
		{"explicit false", map[string]any{"retryable": false}, false, true},
		{"explicit true", map[string]any{"retryable": true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint, ok := RetryableHint(Envelope{Metadata: tt.metadata})
			if hint != tt.hint || ok != tt.ok {
				t.Errorf("RetryableHint() = (%v, %v), want (%v, %v)", hint, ok, tt.hint, tt.ok)
			}
		})
	}
}

// --- invocation ---

func TestInvokeReplaysCachedResponse(t *testing.T) {
	dispatcher := &countingDispatcher{}
	var events []A2AEvent
	protocol := NewA2AProtocol(dispatcher, WithA2AEventHandler(func(ev A2AEvent) {
		events = append(events, ev)
	}))

	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "dup-key")
	first, err := protocol.Invoke(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := protocol.Invoke(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dispatcher.callCount() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", dispatcher.callCount())
	}
	if string(second.Payload) != string(first.Payload) {
		t.Errorf("replayed payload = %s, want %s", second.Payload, first.Payload)
	}

	var types []A2AEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []A2AEventType{A2AQueued, A2ADispatched, A2AAcked, A2ACompleted, A2AIgnoredLateResponse}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestInvokeDoesNotCacheFailures(t *testing.T) {
	dispatcher := &countingDispatcher{fail: 1}
	protocol := NewA2AProtocol(dispatcher)

	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "retry-key")
	if _, err := protocol.Invoke(context.Background(), req); err == nil {
		t.Fatal("first invoke should fail")
	}
	resp, err := protocol.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("second invoke should dispatch again and succeed: %v", err)
	}
	if dispatcher.callCount() != 2 {
		t.Errorf("dispatch calls = %d, want 2", dispatcher.callCount())
	}
	if string(resp.Payload) != `{"ok":true}` {
		t.Errorf("payload = %s, want the fresh response", resp.Payload)
	}
}

func TestInvokeFailureEventOrder(t *testing.T) {
	dispatcher := &countingDispatcher{fail: 1}
	var events []A2AEvent
	protocol := NewA2AProtocol(dispatcher, WithA2AEventHandler(func(ev A2AEvent) {
		events = append(events, ev)
	}))

	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "")
	if _, err := protocol.Invoke(context.Background(), req); err == nil {
		t.Fatal("invoke should fail")
	}
	want := []A2AEventType{A2AQueued, A2ADispatched, A2ANacked, A2AFailed}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i].Type, want[i])
		}
	}
	if events[2].Message == "" {
		t.Error("nack should carry the dispatch error message")
	}
}

func TestInvokeRejectsEmptyTarget(t *testing.T) {
	protocol := NewA2AProtocol(&countingDispatcher{})
	_, err := protocol.Invoke(context.Background(), Envelope{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "envelope.target_agent" {
		t.Errorf("Field = %q, want envelope.target_agent", cfgErr.Field)
	}
}

func TestInvokeStreamDeliversLiveEvents(t *testing.T) {
	dispatcher := &countingDispatcher{}
	protocol := NewA2AProtocol(dispatcher)

	ch := make(chan A2AEvent, 16)
	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "")
	if _, err := protocol.InvokeStream(context.Background(), req, ch); err != nil {
		t.Fatal(err)
	}

	var types []A2AEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []A2AEventType{A2AQueued, A2ADispatched, A2AAcked, A2ACompleted}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

// --- task registry ---

func TestGetTaskAfterCompletion(t *testing.T) {
	protocol := NewA2AProtocol(&countingDispatcher{})
	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "")

	if _, err := protocol.Invoke(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	task, ok := protocol.GetTask(req.CorrelationID)
	if !ok {
		t.Fatal("task should be retained after completion")
	}
	if task.Status != A2ATaskCompleted {
		t.Errorf("Status = %q, want %q", task.Status, A2ATaskCompleted)
	}
	if task.TargetAgent != "child" {
		t.Errorf("TargetAgent = %q, want child", task.TargetAgent)
	}

	if _, ok := protocol.GetTask("nope"); ok {
		t.Error("unknown correlation id should not resolve")
	}
}

func TestCancelTaskInterruptsDispatch(t *testing.T) {
	started := make(chan struct{}, 1)
	dispatcher := DispatcherFunc(func(ctx context.Context, req Envelope) (Envelope, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Envelope{}, ctx.Err()
	})
	protocol := NewA2AProtocol(dispatcher)
	req := NewRequestEnvelope("parent", "child", "run-1", "t", nil, "")

	type invokeOut struct {
		err error
	}
	out := make(chan invokeOut, 1)
	go func() {
		_, err := protocol.Invoke(context.Background(), req)
		out <- invokeOut{err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch to start")
	}
	if !protocol.CancelTask(req.CorrelationID) {
		t.Fatal("CancelTask should report a running task cancelled")
	}

	select {
	case got := <-out:
		var dErr *DeliveryError
		if !errors.As(got.err, &dErr) {
			t.Fatalf("err = %v, want *DeliveryError", got.err)
		}
		if dErr.Kind != DeliveryCancelled {
			t.Errorf("Kind = %q, want %q", dErr.Kind, DeliveryCancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled invoke")
	}

	task, ok := protocol.GetTask(req.CorrelationID)
	if !ok || task.Status != A2ATaskCancelled {
		t.Errorf("task = %+v (ok=%v), want cancelled status", task, ok)
	}
	if protocol.CancelTask(req.CorrelationID) {
		t.Error("cancelling a terminal task should return false")
	}
}

// --- dead letters ---

func TestRecordDeadLetter(t *testing.T) {
	var events []A2AEvent
	protocol := NewA2AProtocol(&countingDispatcher{}, WithA2AEventHandler(func(ev A2AEvent) {
		events = append(events, ev)
	}))

	err := protocol.RecordDeadLetter(context.Background(), DeadLetter{
		CorrelationID: "corr-1",
		TargetAgent:   "child",
		Reason:        DeliveryExhausted,
		Attempts:      3,
	})
	if err != nil {
		t.Fatal(err)
	}

	letters, err := protocol.DeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Timestamp == 0 {
		t.Error("record should get a timestamp when none is set")
	}
	if len(events) != 1 || events[0].Type != A2ADeadLetter {
		t.Errorf("events = %v, want a single dead_letter", events)
	}
	if events[0].Message != DeliveryExhausted {
		t.Errorf("event message = %q, want the reason", events[0].Message)
	}
}

func TestInMemoryDeliveryStore(t *testing.T) {
	store := NewInMemoryDeliveryStore()
	ctx := context.Background()

	t.Run("first response write wins", func(t *testing.T) {
		first := Envelope{CorrelationID: "a"}
		if err := store.StoreResponse(ctx, "key", first); err != nil {
			t.Fatal(err)
		}
		if err := store.StoreResponse(ctx, "key", Envelope{CorrelationID: "b"}); err != nil {
			t.Fatal(err)
		}
		got, ok, err := store.CachedResponse(ctx, "key")
		if err != nil || !ok {
			t.Fatalf("CachedResponse() = (%v, %v), want a hit", ok, err)
		}
		if got.CorrelationID != "a" {
			t.Errorf("CorrelationID = %q, want the first write", got.CorrelationID)
		}
	})

	t.Run("miss on unknown key", func(t *testing.T) {
		_, ok, err := store.CachedResponse(ctx, "unknown")
		if err != nil || ok {
			t.Errorf("CachedResponse() = (%v, %v), want a clean miss", ok, err)
		}
	})

	t.Run("dead letter limit keeps the tail", func(t *testing.T) {
		for _, id := range []string{"one", "two", "three"} {
			if err := store.AppendDeadLetter(ctx, DeadLetter{CorrelationID: id}); err != nil {
				t.Fatal(err)
			}
		}
		got, err := store.DeadLetters(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].CorrelationID != "two" || got[1].CorrelationID != "three" {
			t.Errorf("DeadLetters(2) = %v, want the two newest", got)
		}
	})
}
