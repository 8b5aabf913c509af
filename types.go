package afk

import (
	"encoding/json"
	"time"
)

// --- Transcript types ---

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one entry in a run's transcript. Content carries plain text;
// Parts carries typed multimodal content when present. Transcripts are
// append-only while a run is active; compaction may rewrite older entries
// between phases, never in the middle of one.
type Message struct {
	Role       string          `json:"role"` // "user", "assistant", "system", "tool"
	Content    string          `json:"content,omitempty"`
	Parts      []ContentPart   `json:"parts,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // transport-specific passthrough
}

// Content part types.
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
)

// ContentPart is a typed fragment of message content.
type ContentPart struct {
	Type       string    `json:"type"` // "text", "image_url", "tool_use", "tool_result"
	Text       string    `json:"text,omitempty"`
	URL        string    `json:"url,omitempty"`
	ToolUse    *ToolCall `json:"tool_use,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Result     string    `json:"result,omitempty"`
}

// ToolCall is a model-emitted tool invocation request.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolExecutionRecord captures the outcome of one tool call. Records append
// to the run's tool log in the order the model emitted the calls, regardless
// of parallel execution order.
type ToolExecutionRecord struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	Rewritten json.RawMessage `json:"rewritten_args,omitempty"` // set when policy rewrote the arguments
}

// Usage tracks aggregate token consumption across model calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CostUSD += u2.CostUSD
}

// ToolDefinition describes one callable tool to the model.
// Parameters holds a JSON Schema document for the arguments object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// --- Shared small helpers ---

// truncateStr shortens s to max runes for logs and step traces.
func truncateStr(s string, max int) string {
	// Byte length ≤ max guarantees rune count ≤ max, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// durationMS converts a duration to whole milliseconds for serialized records.
func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
