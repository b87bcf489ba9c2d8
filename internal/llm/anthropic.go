package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses the default.
	BaseURL string

	// MaxRetries bounds retry attempts for transient stream-creation
	// failures. Default 3.
	MaxRetries int

	// RetryDelay is the initial backoff interval. Default 1s, doubling
	// per attempt.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Anthropic implements Provider against the Anthropic Messages API.
// Safe for concurrent use; each Stream call owns an independent SSE stream.
type Anthropic struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:     anthropic.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}, nil
}

// Stream implements Provider.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.streamWithRetry(ctx, params, chunks)
	}()
	return chunks, nil
}

// streamWithRetry creates the SSE stream with exponential backoff on
// transient failures, then pumps events into chunks.
func (p *Anthropic) streamWithRetry(ctx context.Context, params anthropic.MessageNewParams, chunks chan<- Chunk) {
	delay := p.retryDelay
	for attempt := 0; ; attempt++ {
		stream := p.client.Messages.NewStreaming(ctx, params)
		terminal, emitted := p.pump(ctx, stream, chunks)
		err := stream.Err()
		_ = stream.Close()

		if terminal {
			return
		}

		// A break after deltas already reached the consumer cannot be
		// transparently retried; surface it.
		if emitted {
			if err == nil {
				err = ErrStreamBroken
			}
			chunks <- Chunk{Err: fmt.Errorf("anthropic stream: %w", err)}
			return
		}

		if err == nil {
			err = ErrStreamBroken
		}
		if !retryable(err) || attempt >= p.maxRetries {
			chunks <- Chunk{Err: fmt.Errorf("anthropic stream: %w", err)}
			return
		}

		p.logger.Debug("retrying model stream", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		case <-time.After(delay):
			delay = min(delay*2, 30*time.Second)
		}
	}
}

// eventStream is the slice of the SDK stream the pump consumes.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
}

// pump consumes one SSE stream. Returns whether a terminal chunk was sent
// and whether any chunk at all reached the consumer.
func (p *Anthropic) pump(ctx context.Context, stream eventStream, chunks chan<- Chunk) (terminal, emitted bool) {
	var (
		usage       Usage
		currentTool *ToolCall
		toolInput   []byte
	)

	send := func(c Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheCreationTokens = int(start.Message.Usage.CacheCreationInputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput = toolInput[:0]
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					emitted = true
					if !send(Chunk{TextDelta: delta.Text}) {
						return true, emitted
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					emitted = true
					if !send(Chunk{ThinkingDelta: delta.Thinking}) {
						return true, emitted
					}
				}
			case "signature_delta":
				if delta.Signature != "" {
					emitted = true
					if !send(Chunk{SignatureDelta: delta.Signature}) {
						return true, emitted
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput = append(toolInput, delta.PartialJSON...)
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := toolInput
				if len(args) == 0 {
					args = []byte("{}")
				}
				currentTool.Arguments = json.RawMessage(append([]byte(nil), args...))
				emitted = true
				if !send(Chunk{ToolCall: currentTool}) {
					return true, emitted
				}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			send(Chunk{Done: true, Usage: usage})
			return true, emitted
		}
	}

	// Stream ended without message_stop; the caller decides whether to
	// retry or surface the break.
	return false, emitted
}

// Complete implements Provider.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (string, Usage, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", Usage{}, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic complete: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := Usage{
		InputTokens:         int(msg.Usage.InputTokens),
		OutputTokens:        int(msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	return text, usage, nil
}

// buildParams converts a Request to Anthropic API parameters.
func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		sys := anthropic.TextBlockParam{Text: req.System}
		if req.Cache {
			sys.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{sys}
	}

	messages, err := convertMessages(req.Messages, req.Cache)
	if err != nil {
		return params, err
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools, req.Cache)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	if req.ThinkingBudget > 0 {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

// convertMessages converts conversation messages to the API block format.
// When cache is set, the final block of the final message gets a cache
// breakpoint so the conversation prefix is reusable across iterations.
func convertMessages(messages []Message, cache bool) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockThinking:
				blocks = append(blocks, anthropic.NewThinkingBlock(b.Signature, b.Thinking))
			case BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use input for %s: %w", b.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			case BlockImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
			default:
				return nil, fmt.Errorf("unknown block type %q", b.Type)
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	if cache && len(out) > 0 {
		last := out[len(out)-1].Content
		if n := len(last); n > 0 {
			setBlockCacheControl(&last[n-1])
		}
	}
	return out, nil
}

// setBlockCacheControl marks one content block as a cache breakpoint.
func setBlockCacheControl(block *anthropic.ContentBlockParamUnion) {
	cc := anthropic.NewCacheControlEphemeralParam()
	switch {
	case block.OfText != nil:
		block.OfText.CacheControl = cc
	case block.OfToolResult != nil:
		block.OfToolResult.CacheControl = cc
	case block.OfToolUse != nil:
		block.OfToolUse.CacheControl = cc
	case block.OfImage != nil:
		block.OfImage.CacheControl = cc
	}
}

// convertTools converts tool definitions; with cache set, the final tool
// carries a cache breakpoint covering the whole schema.
func convertTools(tools []ToolDef, cache bool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	if cache && len(out) > 0 {
		if last := out[len(out)-1].OfTool; last != nil {
			last.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
	}
	return out, nil
}

// retryable reports whether a stream-creation error is transient.
// Rate limits (429) and server errors (5xx and overloaded) retry; client
// errors do not.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Network-level failures without an API status are treated as transient.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

var _ Provider = (*Anthropic)(nil)
