package afk

import (
	"context"
	"encoding/json"
)

// Capabilities advertises what a ModelTransport implementation supports.
// The runtime never exercises a capability whose flag is false: streaming
// falls back to Chat, interrupt degrades to cancel, and so on.
type Capabilities struct {
	Streaming        bool
	ToolCalling      bool
	StructuredOutput bool
	Embeddings       bool
	Interrupt        bool
	Idempotency      bool
}

// ModelRequest is the input to a model call.
type ModelRequest struct {
	Model    string           `json:"model,omitempty"` // transport-specific model ref; "" = transport default
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ResponseSchema requests structured output when the transport
	// advertises the capability. Holds a JSON Schema document.
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	// IdempotencyKey deduplicates retried calls on transports that
	// advertise the capability.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ModelResponse is the output of a model call.
type ModelResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	// Done signals the model considers the exchange complete. Transports
	// that do not distinguish set it true on every response.
	Done bool `json:"done"`
}

// EmbedRequest asks for embedding vectors.
type EmbedRequest struct {
	Texts []string `json:"texts"`
}

// EmbedResponse carries one vector per input text.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Usage   Usage       `json:"usage"`
}

// ModelTransport abstracts the model backend. Implementations live outside
// the runtime (provider adapters, gateways, test fakes); the runtime treats
// the transport as opaque and consults Capabilities before every optional
// operation.
type ModelTransport interface {
	// Name returns the transport identifier used in logs and errors.
	Name() string
	// Capabilities reports what this transport supports.
	Capabilities() Capabilities
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// StreamingTransport is an optional capability for transports that stream.
// Check Capabilities().Streaming, then type-assert.
type StreamingTransport interface {
	ModelTransport
	// ChatStream streams events into ch, then returns the final response.
	// The transport closes ch when streaming completes or fails.
	ChatStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error)
	// ChatStreamHandle starts a stream and returns a handle that can cancel
	// or interrupt it. Interrupt aborts generation server-side when the
	// Interrupt capability is set; otherwise it behaves like Cancel.
	ChatStreamHandle(ctx context.Context, req ModelRequest) (StreamHandle, error)
}

// EmbeddingTransport is an optional capability for transports that embed.
// Check Capabilities().Embeddings, then type-assert.
type EmbeddingTransport interface {
	ModelTransport
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error)
}

// SessionTransport is an optional capability for transports that keep
// server-side session state across calls.
type SessionTransport interface {
	ModelTransport
	// StartSession opens a session, optionally resuming from a prior
	// session or checkpoint token. The returned token is carried in
	// subsequent requests by the caller.
	StartSession(ctx context.Context, sessionToken, checkpointToken string) (string, error)
}

// StreamHandle controls one in-flight streamed model call.
type StreamHandle interface {
	// Events returns the stream's event channel. Closed when the stream ends.
	Events() <-chan StreamEvent
	// Cancel stops the stream client-side. Safe to call more than once.
	Cancel()
	// Interrupt aborts generation server-side when supported, else cancels.
	Interrupt()
	// Await blocks until the stream ends and returns the final response.
	Await(ctx context.Context) (ModelResponse, error)
}
