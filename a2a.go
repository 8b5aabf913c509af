package afk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// A2AMessageType classifies an envelope.
type A2AMessageType string

const (
	A2ARequest      A2AMessageType = "request"
	A2AResponse     A2AMessageType = "response"
	A2AEventMessage A2AMessageType = "event"
)

// Envelope is the typed unit of agent-to-agent exchange. On the wire it is
// JSON with exactly these field names; unknown fields are ignored for
// forward compatibility.
type Envelope struct {
	MessageType    A2AMessageType  `json:"message_type"`
	RunID          string          `json:"run_id"`
	ThreadID       string          `json:"thread_id"`
	ConversationID string          `json:"conversation_id"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	SourceAgent    string          `json:"source_agent"`
	TargetAgent    string          `json:"target_agent"`
	CausationID    string          `json:"causation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	TimestampMS    int64           `json:"timestamp_ms"`
}

// conversationID derives the continuity key shared by every envelope of one
// run/thread pair.
func conversationID(runID, threadID string) string {
	return runID + ":" + threadID
}

// NewRequestEnvelope builds a request with a fresh correlation id. An empty
// idempotencyKey gets one generated; retries of the same logical invocation
// must reuse the key for dedupe to apply.
func NewRequestEnvelope(source, target, runID, threadID string, payload json.RawMessage, idempotencyKey string) Envelope {
	if idempotencyKey == "" {
		idempotencyKey = NewID()
	}
	return Envelope{
		MessageType:    A2ARequest,
		RunID:          runID,
		ThreadID:       threadID,
		ConversationID: conversationID(runID, threadID),
		CorrelationID:  NewID(),
		IdempotencyKey: idempotencyKey,
		SourceAgent:    source,
		TargetAgent:    target,
		Payload:        payload,
		TimestampMS:    NowUnixMilli(),
	}
}

// ResponseTo builds the response envelope for req: direction swapped,
// correlation preserved, causation recorded.
func ResponseTo(req Envelope, payload json.RawMessage, metadata map[string]any) Envelope {
	return Envelope{
		MessageType:    A2AResponse,
		RunID:          req.RunID,
		ThreadID:       req.ThreadID,
		ConversationID: req.ConversationID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		SourceAgent:    req.TargetAgent,
		TargetAgent:    req.SourceAgent,
		CausationID:    req.CorrelationID,
		Payload:        payload,
		Metadata:       metadata,
		TimestampMS:    NowUnixMilli(),
	}
}

// RetryableHint reads the conventional metadata.retryable flag from a
// response. ok is false when the response carries no hint.
func RetryableHint(env Envelope) (hint, ok bool) {
	if env.Metadata == nil {
		return false, false
	}
	v, present := env.Metadata["retryable"]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false
	}
	return b, true
}

// A2AEventType identifies a delivery lifecycle event.
type A2AEventType string

const (
	A2AQueued              A2AEventType = "queued"
	A2ADispatched          A2AEventType = "dispatched"
	A2AAcked               A2AEventType = "acked"
	A2ANacked              A2AEventType = "nacked"
	A2ACompleted           A2AEventType = "completed"
	A2AFailed              A2AEventType = "failed"
	A2ACancelled           A2AEventType = "cancelled"
	A2AIgnoredLateResponse A2AEventType = "ignored_late_response"
	A2ADeadLetter          A2AEventType = "dead_letter"
)

// A2AEvent is one delivery lifecycle record for an invocation.
type A2AEvent struct {
	Type           A2AEventType `json:"type"`
	CorrelationID  string       `json:"correlation_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	TargetAgent    string       `json:"target_agent,omitempty"`
	Message        string       `json:"message,omitempty"`
	Timestamp      int64        `json:"ts"`
}

// DeadLetter is one record in the append-only dead-letter log.
type DeadLetter struct {
	CorrelationID  string   `json:"correlation_id"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	TargetAgent    string   `json:"target_agent"`
	Reason         string   `json:"reason"`
	Attempts       int      `json:"attempts"`
	Envelope       Envelope `json:"envelope"`
	Timestamp      int64    `json:"ts"`
}

// Dispatcher executes one A2A request and returns its response. The runner
// implements this to execute child agent runs in-process; distributed
// deployments put a transport here.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Envelope) (Envelope, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req Envelope) (Envelope, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req Envelope) (Envelope, error) {
	return f(ctx, req)
}

// DeliveryStore persists the success cache and the dead-letter log.
type DeliveryStore interface {
	// CachedResponse returns the response stored for an idempotency key.
	CachedResponse(ctx context.Context, key string) (Envelope, bool, error)
	// StoreResponse caches a successful response. The first write for a key
	// wins; later writes for the same key are ignored.
	StoreResponse(ctx context.Context, key string, resp Envelope) error
	// AppendDeadLetter appends one record to the dead-letter log.
	AppendDeadLetter(ctx context.Context, dl DeadLetter) error
	// DeadLetters returns up to limit records in append order.
	// limit <= 0 returns all.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// InMemoryDeliveryStore keeps both tables in process memory behind a single
// lock.
type InMemoryDeliveryStore struct {
	mu          sync.Mutex
	responses   map[string]Envelope
	deadLetters []DeadLetter
}

var _ DeliveryStore = (*InMemoryDeliveryStore)(nil)

// NewInMemoryDeliveryStore returns an empty delivery store.
func NewInMemoryDeliveryStore() *InMemoryDeliveryStore {
	return &InMemoryDeliveryStore{responses: make(map[string]Envelope)}
}

func (s *InMemoryDeliveryStore) CachedResponse(_ context.Context, key string) (Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[key]
	return resp, ok, nil
}

func (s *InMemoryDeliveryStore) StoreResponse(_ context.Context, key string, resp Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.responses[key]; !exists {
		s.responses[key] = resp
	}
	return nil
}

func (s *InMemoryDeliveryStore) AppendDeadLetter(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *InMemoryDeliveryStore) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.deadLetters
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]DeadLetter, len(log))
	copy(out, log)
	return out, nil
}

// A2ATaskStatus is the lifecycle of one invocation, scoped by correlation id.
type A2ATaskStatus string

const (
	A2ATaskRunning   A2ATaskStatus = "running"
	A2ATaskCompleted A2ATaskStatus = "completed"
	A2ATaskFailed    A2ATaskStatus = "failed"
	A2ATaskCancelled A2ATaskStatus = "cancelled"
)

// A2ATask is the observable state of one invocation.
type A2ATask struct {
	CorrelationID string        `json:"correlation_id"`
	TargetAgent   string        `json:"target_agent"`
	Status        A2ATaskStatus `json:"status"`
	Response      Envelope      `json:"response,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type a2aTask struct {
	task   A2ATask
	cancel context.CancelFunc
}

// maxTaskRecords bounds how many terminal task records the protocol retains
// for GetTask; the oldest are evicted first.
const maxTaskRecords = 1024

// A2AProtocol provides exactly-once-per-key request/response delivery
// between agents: idempotent dedupe over a success cache, ordered delivery
// lifecycle events, task-scoped cancellation, and a dead-letter log for
// exhausted retries. Retry scheduling itself belongs to the caller (the
// delegation engine); the protocol only records the final dead letter.
type A2AProtocol struct {
	dispatcher Dispatcher
	store      DeliveryStore
	logger     *slog.Logger
	onEvent    func(A2AEvent)

	mu       sync.Mutex
	tasks    map[string]*a2aTask
	terminal []string // eviction order for terminal task records
}

// A2AOption configures an A2AProtocol.
type A2AOption func(*A2AProtocol)

// WithA2AStore sets the delivery store. Defaults to an in-memory store.
func WithA2AStore(store DeliveryStore) A2AOption {
	return func(p *A2AProtocol) { p.store = store }
}

// WithA2ALogger sets the protocol logger. Defaults to a no-op logger.
func WithA2ALogger(logger *slog.Logger) A2AOption {
	return func(p *A2AProtocol) { p.logger = logger }
}

// WithA2AEventHandler registers a callback receiving every delivery event.
// Invoke delivers an invocation's events in order after the call completes;
// InvokeStream delivers them live.
func WithA2AEventHandler(fn func(A2AEvent)) A2AOption {
	return func(p *A2AProtocol) { p.onEvent = fn }
}

// NewA2AProtocol creates a protocol instance around a dispatcher.
func NewA2AProtocol(dispatcher Dispatcher, opts ...A2AOption) *A2AProtocol {
	p := &A2AProtocol{
		dispatcher: dispatcher,
		store:      NewInMemoryDeliveryStore(),
		logger:     nopLogger,
		tasks:      make(map[string]*a2aTask),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke dispatches req and returns the response. Successful responses are
// cached by idempotency key: a later Invoke with the same key replays the
// cached response without dispatching and emits ignored_late_response.
// Failures are not cached, so retries with the same key stay safe.
//
// The invocation's delivery events are collected internally and handed to
// the event handler in order after the call completes.
func (p *A2AProtocol) Invoke(ctx context.Context, req Envelope) (Envelope, error) {
	var events []A2AEvent
	resp, err := p.invoke(ctx, req, func(ev A2AEvent) {
		events = append(events, ev)
	})
	if p.onEvent != nil {
		for _, ev := range events {
			p.onEvent(ev)
		}
	}
	return resp, err
}

// InvokeStream behaves like Invoke but emits delivery events into ch as they
// happen. ch is closed when the invocation ends.
func (p *A2AProtocol) InvokeStream(ctx context.Context, req Envelope, ch chan<- A2AEvent) (Envelope, error) {
	defer close(ch)
	return p.invoke(ctx, req, func(ev A2AEvent) {
		ch <- ev
		if p.onEvent != nil {
			p.onEvent(ev)
		}
	})
}

func (p *A2AProtocol) invoke(ctx context.Context, req Envelope, emit func(A2AEvent)) (Envelope, error) {
	if req.TargetAgent == "" {
		return Envelope{}, &ConfigError{Field: "envelope.target_agent", Reason: "is empty"}
	}
	if req.CorrelationID == "" {
		req.CorrelationID = NewID()
	}
	if req.TimestampMS == 0 {
		req.TimestampMS = NowUnixMilli()
	}
	event := func(t A2AEventType, msg string) {
		emit(A2AEvent{
			Type:           t,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
			TargetAgent:    req.TargetAgent,
			Message:        msg,
			Timestamp:      NowUnixMilli(),
		})
	}

	if req.IdempotencyKey != "" {
		cached, hit, err := p.store.CachedResponse(ctx, req.IdempotencyKey)
		if err != nil {
			return Envelope{}, &StoreError{Op: "dedupe", Key: req.IdempotencyKey, Err: err}
		}
		if hit {
			p.logger.Debug("dedupe hit, replaying cached response",
				"idempotency_key", req.IdempotencyKey,
				"correlation_id", req.CorrelationID)
			event(A2AIgnoredLateResponse, "duplicate idempotency key, cached response replayed")
			return cached, nil
		}
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registerTask(req, cancel)

	event(A2AQueued, "")
	event(A2ADispatched, "")

	resp, err := p.dispatcher.Dispatch(dispatchCtx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || (dispatchCtx.Err() == context.Canceled && ctx.Err() == nil) {
			// Cancelled by the caller's context or through CancelTask.
			event(A2ACancelled, "")
			p.finishTask(req.CorrelationID, A2ATaskCancelled, Envelope{}, err)
			return Envelope{}, &DeliveryError{Kind: DeliveryCancelled, CorrelationID: req.CorrelationID, Attempts: 1, Err: err}
		}
		event(A2ANacked, err.Error())
		event(A2AFailed, err.Error())
		p.finishTask(req.CorrelationID, A2ATaskFailed, Envelope{}, err)
		return Envelope{}, err
	}

	if req.IdempotencyKey != "" {
		if err := p.store.StoreResponse(ctx, req.IdempotencyKey, resp); err != nil {
			// The dispatch succeeded; a cache write failure costs dedupe for
			// this key, not the response.
			p.logger.Warn("success cache write failed",
				"idempotency_key", req.IdempotencyKey,
				"error", err)
		}
	}
	event(A2AAcked, "")
	event(A2ACompleted, "")
	p.finishTask(req.CorrelationID, A2ATaskCompleted, resp, nil)
	return resp, nil
}

// GetTask returns the state of an invocation by correlation id.
func (p *A2AProtocol) GetTask(correlationID string) (A2ATask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[correlationID]
	if !ok {
		return A2ATask{}, false
	}
	return t.task, true
}

// CancelTask cancels a running invocation. Cancelling an unknown or already
// terminal task returns false.
func (p *A2AProtocol) CancelTask(correlationID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[correlationID]
	var cancel context.CancelFunc
	if ok && t.task.Status == A2ATaskRunning {
		cancel = t.cancel
	}
	p.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// RecordDeadLetter appends one record to the dead-letter log and emits a
// dead_letter event. Called by retry drivers after exhausting a budget.
func (p *A2AProtocol) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.Timestamp == 0 {
		dl.Timestamp = NowUnixMilli()
	}
	if err := p.store.AppendDeadLetter(ctx, dl); err != nil {
		return &StoreError{Op: "dead_letter", Key: dl.CorrelationID, Err: err}
	}
	p.logger.Warn("dead letter recorded",
		"correlation_id", dl.CorrelationID,
		"target", dl.TargetAgent,
		"reason", dl.Reason,
		"attempts", dl.Attempts)
	if p.onEvent != nil {
		p.onEvent(A2AEvent{
			Type:           A2ADeadLetter,
			CorrelationID:  dl.CorrelationID,
			IdempotencyKey: dl.IdempotencyKey,
			TargetAgent:    dl.TargetAgent,
			Message:        dl.Reason,
			Timestamp:      dl.Timestamp,
		})
	}
	return nil
}

// DeadLetters returns up to limit dead-letter records in append order.
func (p *A2AProtocol) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	return p.store.DeadLetters(ctx, limit)
}

func (p *A2AProtocol) registerTask(req Envelope, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[req.CorrelationID] = &a2aTask{
		task: A2ATask{
			CorrelationID: req.CorrelationID,
			TargetAgent:   req.TargetAgent,
			Status:        A2ATaskRunning,
		},
		cancel: cancel,
	}
}

func (p *A2AProtocol) finishTask(correlationID string, status A2ATaskStatus, resp Envelope, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[correlationID]
	if !ok {
		return
	}
	t.task.Status = status
	t.task.Response = resp
	if err != nil {
		t.task.Error = err.Error()
	}
	t.cancel = nil
	p.terminal = append(p.terminal, correlationID)
	for len(p.terminal) > maxTaskRecords {
		evict := p.terminal[0]
		p.terminal = p.terminal[1:]
		delete(p.tasks, evict)
	}
}

// String implements fmt.Stringer for log readability.
func (t A2ATask) String() string {
	return fmt.Sprintf("a2a task %s → %s [%s]", t.CorrelationID, t.TargetAgent, t.Status)
}
