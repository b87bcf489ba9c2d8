package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50}
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, CacheCreationTokens: 200, CacheReadTokens: 300})

	assert.Equal(t, 110, u.InputTokens)
	assert.Equal(t, 55, u.OutputTokens)
	assert.Equal(t, 200, u.CacheCreationTokens)
	assert.Equal(t, 300, u.CacheReadTokens)
	assert.Equal(t, 110+300+55, u.Total())
}

func TestScriptedProviderReplaysTurns(t *testing.T) {
	ctx := context.Background()
	call := &ToolCall{ID: "tc_1", Name: "get_queue", Arguments: json.RawMessage(`{"queue_id":1}`)}
	p := NewScriptedProvider(
		ToolTurn("let me check", Usage{InputTokens: 10, OutputTokens: 5}, call),
		TextTurn("done", Usage{InputTokens: 20, OutputTokens: 3}),
	)

	// Turn 1: thinking + signature + tool call + done.
	chunks := collect(t, p, ctx)
	require.Len(t, chunks, 4)
	assert.Equal(t, "let me check", chunks[0].ThinkingDelta)
	assert.NotEmpty(t, chunks[1].SignatureDelta)
	require.NotNil(t, chunks[2].ToolCall)
	assert.Equal(t, "get_queue", chunks[2].ToolCall.Name)
	assert.True(t, chunks[3].Done)
	assert.Equal(t, 10, chunks[3].Usage.InputTokens)

	// Turn 2: text + done.
	chunks = collect(t, p, ctx)
	require.Len(t, chunks, 2)
	assert.Equal(t, "done", chunks[0].TextDelta)
	assert.True(t, chunks[1].Done)

	// Beyond the script: bare done.
	chunks = collect(t, p, ctx)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)

	assert.Len(t, p.Calls(), 3)
}

func TestScriptedProviderRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewScriptedProvider(TextTurn("never seen", Usage{}))
	ch, err := p.Stream(ctx, &Request{})
	require.NoError(t, err)

	// Channel must close without blocking forever.
	for range ch { //nolint:revive // draining
	}
}

func collect(t *testing.T, p Provider, ctx context.Context) []Chunk {
	t.Helper()
	ch, err := p.Stream(ctx, &Request{Model: "test"})
	require.NoError(t, err)
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestConvertToolsRejectsBadSchema(t *testing.T) {
	_, err := convertTools([]ToolDef{{Name: "broken", InputSchema: json.RawMessage(`not json`)}}, false)
	assert.Error(t, err)
}

func TestConvertMessagesRejectsUnknownBlock(t *testing.T) {
	_, err := convertMessages([]Message{{Role: RoleUser, Blocks: []Block{{Type: "mystery"}}}}, false)
	assert.Error(t, err)
}

func TestConvertMessagesSkipsEmpty(t *testing.T) {
	out, err := convertMessages([]Message{
		{Role: RoleUser, Blocks: nil},
		{Role: RoleUser, Blocks: []Block{{Type: BlockText, Text: "hi"}}},
	}, false)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}
