package afk

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// EventSchemaVersion is stamped on every emitted event.
const EventSchemaVersion = 1

// EventType identifies a run lifecycle event.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventStepStarted       EventType = "step_started"
	EventPolicyDecision    EventType = "policy_decision"
	EventLLMCalled         EventType = "llm_called"
	EventLLMCompleted      EventType = "llm_completed"
	EventToolBatchStarted  EventType = "tool_batch_started"
	EventToolCompleted     EventType = "tool_completed"
	EventSubagentStarted   EventType = "subagent_started"
	EventSubagentCompleted EventType = "subagent_completed"
	EventRunPaused         EventType = "run_paused"
	EventRunResumed        EventType = "run_resumed"
	EventRunCancelled      EventType = "run_cancelled"
	EventRunInterrupted    EventType = "run_interrupted"
	EventRunFailed         EventType = "run_failed"
	EventRunCompleted      EventType = "run_completed"
	EventWarning           EventType = "warning"
)

// Event is one observable run lifecycle record.
type Event struct {
	SchemaVersion int       `json:"schema_version"`
	Type          EventType `json:"type"`
	RunID         string    `json:"run_id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	// State is the run state at emission time.
	State RunState `json:"state"`
	// Step is the run step the event belongs to, when step-scoped.
	Step int `json:"step,omitempty"`
	// Message is an optional human-readable line (warnings, failures).
	Message string `json:"message,omitempty"`
	// Data carries the event-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
	// Seq is assigned by the memory store on append.
	Seq       int64 `json:"seq,omitempty"`
	Timestamp int64 `json:"ts"` // unix millis
}

// eventData marshals v into an event payload. Marshal failures produce a
// nil payload rather than blocking emission.
func eventData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

const defaultEventBuffer = 128

// Emitter fans run events out to subscribers and, when a store is attached,
// persists each event to the run's thread log. Emission is totally ordered:
// concurrent Emit calls serialize on an internal lock, and each subscriber
// sees events in emission order.
//
// Subscriber queues are bounded. A full queue drops its oldest event to make
// room and logs a warning; a slow consumer never blocks the run.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	store  MemoryStore
	logger *slog.Logger
	buffer int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterStore persists every emitted event to store.
func WithEmitterStore(store MemoryStore) EmitterOption {
	return func(e *Emitter) { e.store = store }
}

// WithEmitterLogger sets the logger used for drop and persistence warnings.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = logger }
}

// WithEmitterBuffer sets the per-subscriber queue capacity.
// Defaults to 128.
func WithEmitterBuffer(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.buffer = n
		}
	}
}

// NewEmitter creates an event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subs:   make(map[int]chan Event),
		logger: nopLogger,
		buffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe or emitter
// Close. Subscribing to a closed emitter returns a closed channel.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, e.buffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// Emit stamps, persists, and fans out one event. Persistence failures are
// logged and do not interrupt the run; a full subscriber queue drops its
// oldest event.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = EventSchemaVersion
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = NowUnixMilli()
	}
	if e.store != nil {
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Warn("event persistence failed",
				"type", ev.Type,
				"run_id", ev.RunID,
				"error", err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Queue full: evict the oldest entry, then retry once. The consumer
		// may race us for the eviction, in which case the retry still lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		e.logger.Warn("subscriber queue full, dropped oldest event",
			"type", ev.Type,
			"run_id", ev.RunID)
	}
}

// Close closes every subscriber channel. Emit becomes a no-op for fan-out
// afterwards (persistence already happened for prior events).
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
