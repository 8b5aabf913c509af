package afk

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart signals the model began emitting a tool call.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallDelta carries incremental tool call arguments.
	EventToolCallDelta StreamEventType = "tool-call-delta"
	// EventToolCallEnd signals a tool call finished streaming.
	EventToolCallEnd StreamEventType = "tool-call-end"
	// EventStreamDone signals the stream completed normally.
	EventStreamDone StreamEventType = "done"
	// EventStreamError signals the stream failed. Error holds the message.
	EventStreamError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during a streamed model call.
// Consumers receive these on the channel passed to ChatStream, or from
// StreamHandle.Events.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Text carries the delta for text-delta events.
	Text string `json:"text,omitempty"`
	// Name is the tool name (tool-call-* events).
	Name string `json:"name,omitempty"`
	// CallID identifies the tool call being streamed (tool-call-* events).
	CallID string `json:"call_id,omitempty"`
	// Args carries tool call arguments. Partial on tool-call-delta, the
	// complete document on tool-call-end.
	Args json.RawMessage `json:"args,omitempty"`
	// Error holds the failure message for error events.
	Error string `json:"error,omitempty"`
}
