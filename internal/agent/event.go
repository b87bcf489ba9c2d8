// Package agent drives the model/tool iteration loop for one chat message:
// streaming model calls, parallel tool dispatch, memory folding, sub-agent
// recursion, token accounting, and the typed step events the gateway
// serializes to SSE.
package agent

import "encoding/json"

// SSE event names.
const (
	EventStep             = "step"
	EventSubAgentProgress = "sub_agent_progress"
	EventSubAgentText     = "sub_agent_text"
	EventTaskSnapshot     = "task_snapshot"
	EventFileCreated      = "file_created"
	EventDone             = "done"
)

// Step types carried by step events.
const (
	StepThinking     = "thinking"
	StepIntermediate = "intermediate"
	StepToolStart    = "tool_start"
	StepToolResult   = "tool_result"
	StepFinalAnswer  = "final_answer"
	StepError        = "error"
)

// Event is one unit of the run's output stream: an SSE event name plus its
// JSON payload.
type Event struct {
	Name    string
	Payload any
}

// EmitFunc receives events in emission order. The gateway's implementation
// may block on the client socket; the loop tolerates that (backpressure).
type EmitFunc func(Event)

// StepEvent is the payload of "step" events.
//
// Streaming contract: events of type thinking/intermediate/final_answer
// may repeat with the same (step_number, type) and is_streaming=true, each
// replacing the previous; consumers commit the last seen when the tuple
// changes. tool_result is emitted exactly once per call with
// is_streaming=false. error is terminal (is_final=true).
type StepEvent struct {
	Type          string         `json:"type"`
	StepNumber    int            `json:"step_number"`
	Content       string         `json:"content,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`
	ToolProgress  *[2]int        `json:"tool_progress,omitempty"`
	Result        string         `json:"result,omitempty"`
	IsError       bool           `json:"is_error"`
	IsStreaming   bool           `json:"is_streaming"`
	IsFinal       bool           `json:"is_final"`
	ToolCallID    string         `json:"tool_call_id,omitempty"`

	// IsHookOutput marks post-run hook text (commit summaries) that is
	// shown in the chat but excluded from conversation history.
	IsHookOutput bool `json:"is_hook_output,omitempty"`
}

// SubAgentProgressEvent is the payload of "sub_agent_progress" events.
type SubAgentProgressEvent struct {
	Type          string   `json:"type"`
	ToolName      string   `json:"tool_name"`
	Iteration     int      `json:"iteration"`
	MaxIterations int      `json:"max_iterations"`
	CurrentTool   string   `json:"current_tool,omitempty"`
	ToolCalls     []string `json:"tool_calls"`
	Status        string   `json:"status"`
}

// SubAgentTextEvent is the payload of "sub_agent_text" events.
type SubAgentTextEvent struct {
	Type     string `json:"type"`
	ToolName string `json:"tool_name"`
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
}

// TaskSnapshotEvent is the payload of "task_snapshot" events.
type TaskSnapshotEvent struct {
	Type  string          `json:"type"`
	Tasks json.RawMessage `json:"tasks"`
}

// FileCreatedEvent is the payload of "file_created" events.
type FileCreatedEvent struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// DoneEvent is the terminal payload of every stream.
type DoneEvent struct {
	TotalSteps          int `json:"total_steps"`
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`

	TokenUsage *Breakdown `json:"token_usage_breakdown,omitempty"`

	ConfigCommitHash    string `json:"config_commit_hash,omitempty"`
	ConfigCommitMessage string `json:"config_commit_message,omitempty"`
	ConfigChangesCount  int    `json:"config_changes_count,omitempty"`
}

// progress builds a tool_progress pair.
func progress(current, total int) *[2]int {
	p := [2]int{current, total}
	return &p
}
