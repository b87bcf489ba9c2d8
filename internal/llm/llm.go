// Package llm abstracts the streaming chat-completions provider used by the
// agent loop.
//
// The provider contract mirrors what the loop needs and nothing more:
// interleaved thinking/text/tool-use deltas, prompt caching, and usage
// counters with a cache-creation/cache-read breakdown. The production
// implementation targets the Anthropic Messages API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors.
var (
	// ErrStreamBroken indicates the provider stream ended without a
	// terminal event.
	ErrStreamBroken = errors.New("model stream broken")
)

// Message roles. Tool results travel in user messages, per the Messages API.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Block is one content block of a conversation message.
// Exactly one group of fields is meaningful, selected by Type.
type Block struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockThinking. Signature must round-trip back to the API when the
	// turn continues with tool use.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// BlockImage (base64)
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"blocks"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema object
}

// Request is a single model call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int

	// ThinkingBudget enables extended thinking when > 0.
	ThinkingBudget int

	// Cache marks the system prompt, the tool schema, and the tail of the
	// conversation as cacheable prompt prefixes.
	Cache bool
}

// Usage is the token accounting for one model call.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Total returns effective input+output tokens including cache reads.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheReadTokens + u.OutputTokens
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Chunk is one unit of a streamed model response.
//
// Exactly one of the delta fields is set per chunk, except the terminal
// chunk which has Done=true and carries Usage, and error chunks which carry
// Err. The channel is closed after the terminal or error chunk.
type Chunk struct {
	TextDelta      string
	ThinkingDelta  string
	SignatureDelta string

	// ToolCall is emitted once per tool_use block, complete, when the
	// block closes.
	ToolCall *ToolCall

	Done  bool
	Usage Usage
	Err   error
}

// Provider is a streaming chat-completions endpoint with tool use.
type Provider interface {
	// Stream starts a streaming model call. The returned channel yields
	// chunks until a Done or Err chunk, then closes. Cancelling ctx
	// aborts the stream promptly.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Complete performs a short non-streaming call and returns the
	// concatenated text output. Used for auxiliary generation such as
	// commit messages.
	Complete(ctx context.Context, req *Request) (string, Usage, error)
}
