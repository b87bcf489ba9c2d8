package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbridge-ai/agent/internal/llm"
)

func textBlock(s string) llm.Block { return llm.Block{Type: llm.BlockText, Text: s} }

func TestFoldBasicConversation(t *testing.T) {
	m := NewMemory()
	m.BeginTurn([]llm.Block{textBlock("hello")})
	m.AddStep(&MemoryStep{StepNumber: 1, Text: "hi there"})

	messages := m.Fold()
	require.Len(t, messages, 2)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hi there", messages[1].Blocks[0].Text)
}

func TestFoldToolUseTurn(t *testing.T) {
	m := NewMemory()
	m.BeginTurn([]llm.Block{textBlock("list queues")})
	m.AddStep(&MemoryStep{
		StepNumber: 1,
		Text:       "checking",
		Thinking:   []ThinkingBlock{{Thinking: "need the list", Signature: "sig1"}},
		ToolCalls:  []llm.ToolCall{{ID: "tc1", Name: "list_queues", Arguments: json.RawMessage(`{}`)}},
		ToolResults: []ToolResult{
			{ToolCallID: "tc1", Name: "list_queues", Content: `[{"id":1}]`},
		},
	})

	messages := m.Fold()
	require.Len(t, messages, 3)

	// Assistant turn: thinking (current turn), text, tool_use.
	assistant := messages[1]
	require.Len(t, assistant.Blocks, 3)
	assert.Equal(t, llm.BlockThinking, assistant.Blocks[0].Type)
	assert.Equal(t, "sig1", assistant.Blocks[0].Signature)
	assert.Equal(t, llm.BlockToolUse, assistant.Blocks[2].Type)

	// Tool results travel in a user message.
	results := messages[2]
	assert.Equal(t, llm.RoleUser, results.Role)
	assert.Equal(t, llm.BlockToolResult, results.Blocks[0].Type)
	assert.Equal(t, "tc1", results.Blocks[0].ToolUseID)
}

func TestThinkingNotReplayedAcrossTurns(t *testing.T) {
	m := NewMemory()
	m.BeginTurn([]llm.Block{textBlock("first")})
	m.AddStep(&MemoryStep{
		StepNumber: 1,
		Thinking:   []ThinkingBlock{{Thinking: "old thoughts", Signature: "sig1"}},
		ToolCalls:  []llm.ToolCall{{ID: "tc1", Name: "get_queue", Arguments: json.RawMessage(`{}`)}},
		ToolResults: []ToolResult{
			{ToolCallID: "tc1", Name: "get_queue", Content: "{}"},
		},
	})

	// Same turn: thinking is replayed.
	found := false
	for _, msg := range m.Fold() {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockThinking {
				found = true
			}
		}
	}
	assert.True(t, found, "thinking must replay within the turn")

	// New turn: prior thinking is dropped.
	m.BeginTurn([]llm.Block{textBlock("second")})
	for _, msg := range m.Fold() {
		for _, b := range msg.Blocks {
			assert.NotEqual(t, llm.BlockThinking, b.Type, "thinking must not replay across turns")
		}
	}
}

func TestCollapseKeepsOnlyLatestResult(t *testing.T) {
	m := NewMemory()
	m.SetCollapsible([]string{"patch_schema"})
	m.BeginTurn([]llm.Block{textBlock("patch it twice")})

	for i, id := range []string{"tc1", "tc2"} {
		m.AddStep(&MemoryStep{
			StepNumber: i + 1,
			ToolCalls:  []llm.ToolCall{{ID: id, Name: "patch_schema", Arguments: json.RawMessage(`{}`)}},
			ToolResults: []ToolResult{
				{ToolCallID: id, Name: "patch_schema", Content: `{"full":"result ` + id + `"}`},
			},
		})
	}

	var contents []string
	for _, msg := range m.Fold() {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockToolResult {
				contents = append(contents, b.Content)
			}
		}
	}
	require.Len(t, contents, 2)
	assert.Contains(t, contents[0], "collapsed")
	assert.Contains(t, contents[0], "patch_schema")
	assert.Contains(t, contents[1], "result tc2")
}

func TestCollapseIgnoresOtherTools(t *testing.T) {
	m := NewMemory()
	m.SetCollapsible([]string{"patch_schema"})
	m.BeginTurn([]llm.Block{textBlock("reads")})

	for i, id := range []string{"tc1", "tc2"} {
		m.AddStep(&MemoryStep{
			StepNumber: i + 1,
			ToolCalls:  []llm.ToolCall{{ID: id, Name: "get_queue", Arguments: json.RawMessage(`{}`)}},
			ToolResults: []ToolResult{
				{ToolCallID: id, Name: "get_queue", Content: "full " + id},
			},
		})
	}

	for _, msg := range m.Fold() {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockToolResult {
				assert.NotContains(t, b.Content, "collapsed")
			}
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	m.BeginTurn([]llm.Block{textBlock("hello"), {Type: llm.BlockImage, MediaType: "image/png", Data: "aGk="}})
	m.AddStep(&MemoryStep{
		StepNumber: 1,
		Text:       "done",
		ToolCalls:  []llm.ToolCall{{ID: "tc1", Name: "get_queue", Arguments: json.RawMessage(`{"queue_id":1}`)}},
		ToolResults: []ToolResult{
			{ToolCallID: "tc1", Name: "get_queue", Content: "{}", IsError: false},
		},
	})

	raw, err := m.ToRaw()
	require.NoError(t, err)
	require.Len(t, raw, 2)

	restored, err := MemoryFromRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Steps())

	// Images survive the round trip into folded messages.
	messages := restored.Fold()
	foundImage := false
	for _, msg := range messages {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockImage {
				foundImage = true
			}
		}
	}
	assert.True(t, foundImage)
	assert.Equal(t, "done", restored.LastAssistantText())
}

func TestMemoryFromRawRejectsGarbage(t *testing.T) {
	_, err := MemoryFromRaw([]json.RawMessage{json.RawMessage(`{"type":"mystery"}`)})
	assert.Error(t, err)

	_, err = MemoryFromRaw([]json.RawMessage{json.RawMessage(`not json`)})
	assert.Error(t, err)
}

func TestDisplayTranscript(t *testing.T) {
	m := NewMemory()
	m.BeginTurn([]llm.Block{textBlock("question")})
	m.AddStep(&MemoryStep{StepNumber: 1, Text: "answer"})
	raw, err := m.ToRaw()
	require.NoError(t, err)

	display := DisplayTranscript(raw)
	require.Len(t, display, 2)
	assert.Equal(t, "user", display[0].Role)
	assert.Equal(t, "question", display[0].Content)
	assert.Equal(t, "assistant", display[1].Role)
	assert.Equal(t, "answer", display[1].Content)
}
