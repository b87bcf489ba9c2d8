package llm

import (
	"context"
	"sync"
)

// ScriptedProvider replays pre-programmed responses, one per Stream call,
// in order. Test-only: lets agent-loop tests drive multi-turn tool use
// without a model.
type ScriptedProvider struct {
	mu    sync.Mutex
	turns [][]Chunk
	calls []*Request

	// CompleteText is returned by Complete (commit-message generation).
	CompleteText string
}

// NewScriptedProvider creates a provider replaying the given turns.
func NewScriptedProvider(turns ...[]Chunk) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// Stream implements Provider. Each call consumes the next scripted turn;
// calls beyond the script return a bare Done chunk.
func (p *ScriptedProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var turn []Chunk
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	} else {
		turn = []Chunk{{Done: true}}
	}
	p.mu.Unlock()

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		for _, c := range turn {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if c.Done || c.Err != nil {
				return
			}
		}
	}()
	return chunks, nil
}

// Complete implements Provider.
func (p *ScriptedProvider) Complete(context.Context, *Request) (string, Usage, error) {
	text := p.CompleteText
	if text == "" {
		text = "update configuration"
	}
	return text, Usage{InputTokens: 20, OutputTokens: 8}, nil
}

// Calls returns the requests seen so far.
func (p *ScriptedProvider) Calls() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ Provider = (*ScriptedProvider)(nil)

// TextTurn scripts a turn that streams text and finishes with usage.
func TextTurn(text string, usage Usage) []Chunk {
	return []Chunk{
		{TextDelta: text},
		{Done: true, Usage: usage},
	}
}

// ToolTurn scripts a turn that thinks, then requests the given tool calls.
func ToolTurn(thinking string, usage Usage, calls ...*ToolCall) []Chunk {
	chunks := []Chunk{}
	if thinking != "" {
		chunks = append(chunks,
			Chunk{ThinkingDelta: thinking},
			Chunk{SignatureDelta: "sig-" + thinking[:min(8, len(thinking))]},
		)
	}
	for _, c := range calls {
		chunks = append(chunks, Chunk{ToolCall: c})
	}
	return append(chunks, Chunk{Done: true, Usage: usage})
}
