package agent

import (
	"encoding/json"
	"fmt"

	"github.com/docbridge-ai/agent/internal/llm"
)

// Step type discriminators in the persisted transcript.
const (
	stepTypeTask   = "task_step"
	stepTypeMemory = "memory_step"
)

// ThinkingBlock is an extended-thinking block with the signature the API
// requires when the block is replayed within a tool-use turn.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// ToolResult is a completed tool call as stored in memory.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// TaskStep is a user turn: the prompt plus any attached images.
type TaskStep struct {
	Type   string      `json:"type"`
	Blocks []llm.Block `json:"blocks"`
}

// MemoryStep is one agent iteration: the assistant output (thinking, text,
// tool calls) and the tool results that answered it.
type MemoryStep struct {
	Type        string          `json:"type"`
	StepNumber  int             `json:"step_number"`
	Text        string          `json:"text,omitempty"`
	Thinking    []ThinkingBlock `json:"thinking_blocks,omitempty"`
	ToolCalls   []llm.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
}

// Memory is the folded conversation context. It stores structured steps
// and rebuilds model messages on each iteration, applying the fold rules:
//
//   - thinking blocks are replayed only within the current turn (the API
//     requires them while the turn's tool loop continues) and dropped for
//     prior turns;
//   - repeated results of collapsible tools keep only the latest in full,
//     earlier ones become one-line descriptors;
//   - images are retained for the whole conversation.
//
// Memory is owned by its run; not safe for concurrent use.
type Memory struct {
	steps       []any // *TaskStep | *MemoryStep
	turnStart   int   // index of the first step of the current turn
	collapsible map[string]bool
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{collapsible: map[string]bool{}}
}

// SetCollapsible replaces the set of collapsible tool names.
func (m *Memory) SetCollapsible(names []string) {
	m.collapsible = make(map[string]bool, len(names))
	for _, n := range names {
		m.collapsible[n] = true
	}
}

// BeginTurn appends the new user turn and marks the turn boundary:
// thinking blocks of earlier steps stop being replayed.
func (m *Memory) BeginTurn(blocks []llm.Block) {
	m.turnStart = len(m.steps)
	m.steps = append(m.steps, &TaskStep{Type: stepTypeTask, Blocks: blocks})
}

// AddStep appends a completed agent iteration.
func (m *Memory) AddStep(step *MemoryStep) {
	step.Type = stepTypeMemory
	m.steps = append(m.steps, step)
}

// Steps returns the number of stored steps.
func (m *Memory) Steps() int { return len(m.steps) }

// LastAssistantText returns the text of the most recent assistant step,
// the final-answer anchor.
func (m *Memory) LastAssistantText() string {
	for i := len(m.steps) - 1; i >= 0; i-- {
		if step, ok := m.steps[i].(*MemoryStep); ok && step.Text != "" {
			return step.Text
		}
	}
	return ""
}

// Fold rebuilds the message list for the next model call.
func (m *Memory) Fold() []llm.Message {
	var messages []llm.Message
	for i, raw := range m.steps {
		switch step := raw.(type) {
		case *TaskStep:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Blocks: step.Blocks})
		case *MemoryStep:
			messages = append(messages, m.stepMessages(step, i >= m.turnStart)...)
		}
	}
	m.collapseToolResults(messages)
	return messages
}

// stepMessages renders one memory step. currentTurn controls thinking
// replay.
func (m *Memory) stepMessages(step *MemoryStep, currentTurn bool) []llm.Message {
	var assistant []llm.Block

	if currentTurn && len(step.ToolCalls) > 0 {
		for _, tb := range step.Thinking {
			assistant = append(assistant, llm.Block{
				Type:      llm.BlockThinking,
				Thinking:  tb.Thinking,
				Signature: tb.Signature,
			})
		}
	}
	if step.Text != "" {
		assistant = append(assistant, llm.Block{Type: llm.BlockText, Text: step.Text})
	}
	for _, tc := range step.ToolCalls {
		assistant = append(assistant, llm.Block{
			Type:  llm.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		})
	}
	if len(assistant) == 0 {
		return nil
	}

	messages := []llm.Message{{Role: llm.RoleAssistant, Blocks: assistant}}

	if len(step.ToolResults) > 0 {
		var results []llm.Block
		for _, tr := range step.ToolResults {
			results = append(results, llm.Block{
				Type:      llm.BlockToolResult,
				ToolUseID: tr.ToolCallID,
				Content:   tr.Content,
				IsError:   tr.IsError,
			})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Blocks: results})
	}
	return messages
}

// collapseToolResults rewrites earlier results of collapsible tools in
// place, keeping only the most recent in full.
func (m *Memory) collapseToolResults(messages []llm.Message) {
	if len(m.collapsible) == 0 {
		return
	}

	// tool_use id -> collapsible tool name
	idToName := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockToolUse && m.collapsible[b.Name] {
				idToName[b.ID] = b.Name
			}
		}
	}
	if len(idToName) == 0 {
		return
	}

	type position struct {
		msgIdx, blockIdx int
		toolName         string
	}
	var positions []position
	for mi, msg := range messages {
		if msg.Role != llm.RoleUser {
			continue
		}
		for bi, b := range msg.Blocks {
			if b.Type == llm.BlockToolResult {
				if name, ok := idToName[b.ToolUseID]; ok {
					positions = append(positions, position{mi, bi, name})
				}
			}
		}
	}
	if len(positions) <= 1 {
		return
	}

	lastPerTool := make(map[string]int)
	for i, p := range positions {
		lastPerTool[p.toolName] = i
	}
	keep := make(map[int]bool, len(lastPerTool))
	for _, i := range lastPerTool {
		keep[i] = true
	}

	for i, p := range positions {
		if keep[i] {
			continue
		}
		messages[p.msgIdx].Blocks[p.blockIdx].Content =
			fmt.Sprintf("[Result collapsed — superseded by later %s call]", p.toolName)
	}
}

// ToRaw serializes the steps for the message store.
func (m *Memory) ToRaw() ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(m.steps))
	for _, step := range m.steps {
		data, err := json.Marshal(step)
		if err != nil {
			return nil, fmt.Errorf("marshal memory step: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// MemoryFromRaw rebuilds memory from stored steps. Steps from prior runs
// are all outside the current turn, so their thinking is not replayed.
func MemoryFromRaw(raw []json.RawMessage) (*Memory, error) {
	m := NewMemory()
	for _, data := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("decode memory step: %w", err)
		}
		switch head.Type {
		case stepTypeTask:
			var step TaskStep
			if err := json.Unmarshal(data, &step); err != nil {
				return nil, fmt.Errorf("decode task step: %w", err)
			}
			m.steps = append(m.steps, &step)
		case stepTypeMemory:
			var step MemoryStep
			if err := json.Unmarshal(data, &step); err != nil {
				return nil, fmt.Errorf("decode memory step: %w", err)
			}
			m.steps = append(m.steps, &step)
		default:
			return nil, fmt.Errorf("unknown memory step type %q", head.Type)
		}
	}
	m.turnStart = len(m.steps)
	return m, nil
}

// DisplayMessage is a transcript entry for the chat-detail endpoint.
type DisplayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DisplayTranscript flattens stored steps into user/assistant messages for
// display, dropping tool plumbing.
func DisplayTranscript(raw []json.RawMessage) []DisplayMessage {
	var out []DisplayMessage
	memory, err := MemoryFromRaw(raw)
	if err != nil {
		return out
	}
	for _, step := range memory.steps {
		switch s := step.(type) {
		case *TaskStep:
			var text string
			for _, b := range s.Blocks {
				if b.Type == llm.BlockText {
					if text != "" {
						text += "\n"
					}
					text += b.Text
				}
			}
			if text != "" {
				out = append(out, DisplayMessage{Role: "user", Content: text})
			}
		case *MemoryStep:
			if s.Text != "" {
				out = append(out, DisplayMessage{Role: "assistant", Content: s.Text})
			}
		}
	}
	return out
}
