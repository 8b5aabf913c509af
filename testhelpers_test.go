package afk

// Shared fakes and helpers for the runtime tests.

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- transport fakes ---

// scriptTurn is one scripted model exchange: a response or an error.
type scriptTurn struct {
	resp ModelResponse
	err  error
}

func textTurn(text string) scriptTurn {
	return scriptTurn{resp: ModelResponse{Content: text, Done: true}}
}

func toolTurn(calls ...ToolCall) scriptTurn {
	return scriptTurn{resp: ModelResponse{ToolCalls: calls}}
}

func errTurn(err error) scriptTurn { return scriptTurn{err: err} }

// scriptTransport plays back scripted turns in order. When the script runs
// out it answers with a plain "exhausted" completion so a runaway loop
// terminates visibly instead of hanging the test.
type scriptTransport struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	turns    []scriptTurn
	requests []ModelRequest
}

func newScriptTransport(turns ...scriptTurn) *scriptTransport {
	return &scriptTransport{
		name:  "script",
		caps:  Capabilities{ToolCalling: true},
		turns: turns,
	}
}

func (s *scriptTransport) Name() string { return s.name }

func (s *scriptTransport) Capabilities() Capabilities { return s.caps }

func (s *scriptTransport) Chat(_ context.Context, req ModelRequest) (ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.turns) {
		if s.turns[i].err != nil {
			return ModelResponse{}, s.turns[i].err
		}
		return s.turns[i].resp, nil
	}
	return ModelResponse{Content: "exhausted", Done: true}, nil
}

func (s *scriptTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptTransport) request(i int) ModelRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// blockingStreamTransport advertises streaming with interrupt and blocks
// every streamed call until its handle is aborted. Await signals through
// awaiting before blocking, so tests interrupt only after the executor has
// armed the aborter.
type blockingStreamTransport struct {
	awaiting chan struct{}
}

func newBlockingStreamTransport() *blockingStreamTransport {
	return &blockingStreamTransport{awaiting: make(chan struct{}, 4)}
}

func (b *blockingStreamTransport) Name() string { return "blocking-stream" }

func (b *blockingStreamTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: true, ToolCalling: true, Interrupt: true}
}

func (b *blockingStreamTransport) Chat(ctx context.Context, _ ModelRequest) (ModelResponse, error) {
	<-ctx.Done()
	return ModelResponse{}, ctx.Err()
}

func (b *blockingStreamTransport) ChatStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	close(ch)
	return b.Chat(ctx, req)
}

func (b *blockingStreamTransport) ChatStreamHandle(context.Context, ModelRequest) (StreamHandle, error) {
	return &abortableHandle{
		transport: b,
		events:    make(chan StreamEvent),
		aborted:   make(chan struct{}),
	}, nil
}

type abortableHandle struct {
	transport *blockingStreamTransport
	events    chan StreamEvent
	aborted   chan struct{}
	once      sync.Once
}

func (h *abortableHandle) Events() <-chan StreamEvent { return h.events }

func (h *abortableHandle) Cancel()    { h.abort() }
func (h *abortableHandle) Interrupt() { h.abort() }

func (h *abortableHandle) abort() {
	h.once.Do(func() {
		close(h.aborted)
		close(h.events)
	})
}

func (h *abortableHandle) Await(ctx context.Context) (ModelResponse, error) {
	select {
	case h.transport.awaiting <- struct{}{}:
	default:
	}
	select {
	case <-h.aborted:
		return ModelResponse{}, errors.New("stream aborted")
	case <-ctx.Done():
		return ModelResponse{}, ctx.Err()
	}
}

// --- tool fakes ---

func staticTool(name, output string) Tool {
	return NewFuncTool(
		ToolDefinition{Name: name, Description: "returns a fixed string"},
		func(context.Context, json.RawMessage) (string, error) { return output, nil },
	)
}

func failingTool(name, msg string) Tool {
	return NewFuncTool(
		ToolDefinition{Name: name, Description: "always fails"},
		func(context.Context, json.RawMessage) (string, error) { return "", errors.New(msg) },
	)
}

// flakyTool fails its first n executions, then succeeds.
type flakyTool struct {
	def ToolDefinition

	mu       sync.Mutex
	failures int
	calls    int
}

func newFlakyTool(name string, failures int) *flakyTool {
	return &flakyTool{
		def:      ToolDefinition{Name: name, Description: "fails then recovers"},
		failures: failures,
	}
}

func (f *flakyTool) Definitions() []ToolDefinition { return []ToolDefinition{f.def} }

func (f *flakyTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return ToolResult{}, errors.New("transient failure")
	}
	return ToolResult{Content: "recovered"}, nil
}

func (f *flakyTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// barrierTool blocks every execution until released, reporting starts so
// tests can observe overlap.
type barrierTool struct {
	def     ToolDefinition
	started chan struct{}
	release chan struct{}
}

func newBarrierTool(name string) *barrierTool {
	return &barrierTool{
		def:     ToolDefinition{Name: name, Description: "blocks until released"},
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *barrierTool) Definitions() []ToolDefinition { return []ToolDefinition{b.def} }

func (b *barrierTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return ToolResult{Content: "released"}, nil
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
}

// --- run helpers ---

func mustAgent(t *testing.T, name string, opts ...AgentOption) *Agent {
	t.Helper()
	a, err := NewAgent(name, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func startRun(t *testing.T, r *Runner, agent *Agent, opts ...RunOption) *RunHandle {
	t.Helper()
	h, err := r.Start(context.Background(), agent, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func awaitRun(t *testing.T, h *RunHandle) *RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return res
}

// approvingBroker resolves every interaction request synchronously with an
// approval.
func approvingBroker() *Broker {
	return NewBroker(WithBrokerProvider(&HeadlessProvider{ApproveAll: true}))
}

// --- event helpers ---

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// drainEvents collects until the channel closes, which happens when the run
// reaches a terminal state.
func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func hasEventType(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
