package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/tool"
)

// Sub-agent progress statuses.
const (
	subAgentThinking    = "thinking"
	subAgentRunningTool = "running_tool"
	subAgentCompleted   = "completed"
)

// SubAgentConfig describes one bounded sub-agent loop.
type SubAgentConfig struct {
	// ToolName is the parent tool, used to tag events and token usage.
	ToolName string

	SystemPrompt string

	// Tools is the restricted subset offered to the sub-agent; Handlers
	// executes them. The sub-agent never sees the parent's tool surface.
	Tools    []llm.ToolDef
	Handlers map[string]tool.Handler

	// MaxIterations bounds the loop; typically 3-5.
	MaxIterations int
	MaxTokens     int
}

// SubAgentRunner executes nested agent loops. Each invocation gets its own
// memory; the cancel token is the parent's via ctx. Token usage rolls into
// the run's ledger attributed per parent tool.
type SubAgentRunner struct {
	provider llm.Provider
	model    string
	ledger   *Ledger
	emit     EmitFunc
	logger   *slog.Logger
}

// NewSubAgentRunner creates a runner bound to one run's ledger and event
// stream.
func NewSubAgentRunner(provider llm.Provider, model string, ledger *Ledger, emit EmitFunc, logger *slog.Logger) *SubAgentRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgentRunner{provider: provider, model: model, ledger: ledger, emit: emit, logger: logger}
}

// Run executes the sub-agent loop and returns its final text output.
func (r *SubAgentRunner) Run(ctx context.Context, cfg SubAgentConfig, prompt string) (string, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}

	messages := []llm.Message{{
		Role:   llm.RoleUser,
		Blocks: []llm.Block{{Type: llm.BlockText, Text: prompt}},
	}}

	var lastText string
	var toolCallNames []string

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		r.progress(cfg, iteration, subAgentThinking, "", toolCallNames)

		text, calls, usage, err := r.oneCall(ctx, cfg, messages)
		r.ledger.AddSubAgent(cfg.ToolName, usage)
		if err != nil {
			return "", fmt.Errorf("%s sub-agent: %w", cfg.ToolName, err)
		}
		if text != "" {
			lastText = text
		}

		if len(calls) == 0 {
			r.text(cfg, lastText, true)
			r.progress(cfg, iteration, subAgentCompleted, "", toolCallNames)
			return lastText, nil
		}

		// Fold the assistant turn, execute the calls sequentially (the
		// subsets are small and often write-ordered), fold results.
		assistant := []llm.Block{}
		if text != "" {
			assistant = append(assistant, llm.Block{Type: llm.BlockText, Text: text})
		}
		var results []llm.Block
		for _, call := range calls {
			assistant = append(assistant, llm.Block{
				Type: llm.BlockToolUse, ID: call.ID, Name: call.Name, Input: call.Arguments,
			})
			toolCallNames = append(toolCallNames, call.Name)
			r.progress(cfg, iteration, subAgentRunningTool, call.Name, toolCallNames)

			content, isError := r.execute(ctx, cfg, call)
			results = append(results, llm.Block{
				Type:      llm.BlockToolResult,
				ToolUseID: call.ID,
				Content:   content,
				IsError:   isError,
			})
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Blocks: assistant},
			llm.Message{Role: llm.RoleUser, Blocks: results},
		)
	}

	// Cap reached: the last text is the best available answer.
	r.text(cfg, lastText, true)
	return lastText, nil
}

// oneCall performs one streaming model call, forwarding text deltas as
// sub_agent_text events.
func (r *SubAgentRunner) oneCall(ctx context.Context, cfg SubAgentConfig, messages []llm.Message) (string, []llm.ToolCall, llm.Usage, error) {
	chunks, err := r.provider.Stream(ctx, &llm.Request{
		Model:     r.model,
		System:    cfg.SystemPrompt,
		Messages:  messages,
		Tools:     cfg.Tools,
		MaxTokens: cfg.MaxTokens,
		Cache:     true,
	})
	if err != nil {
		return "", nil, llm.Usage{}, err
	}

	var text strings.Builder
	var calls []llm.ToolCall
	var usage llm.Usage

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return text.String(), calls, usage, chunk.Err
		case chunk.TextDelta != "":
			text.WriteString(chunk.TextDelta)
			r.text(cfg, chunk.TextDelta, false)
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Done:
			usage = chunk.Usage
		}
	}
	return text.String(), calls, usage, nil
}

func (r *SubAgentRunner) execute(ctx context.Context, cfg SubAgentConfig, call llm.ToolCall) (string, bool) {
	handler, ok := cfg.Handlers[call.Name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Name), true
	}
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fmt.Sprintf("malformed arguments: %v", err), true
		}
	}
	content, err := handler(ctx, args)
	if err != nil {
		if content != "" {
			return content, true
		}
		return err.Error(), true
	}
	return content, false
}

func (r *SubAgentRunner) progress(cfg SubAgentConfig, iteration int, status, currentTool string, toolCalls []string) {
	names := make([]string, len(toolCalls))
	copy(names, toolCalls)
	r.emit(Event{Name: EventSubAgentProgress, Payload: SubAgentProgressEvent{
		Type:          EventSubAgentProgress,
		ToolName:      cfg.ToolName,
		Iteration:     iteration,
		MaxIterations: cfg.MaxIterations,
		CurrentTool:   currentTool,
		ToolCalls:     names,
		Status:        status,
	}})
}

func (r *SubAgentRunner) text(cfg SubAgentConfig, text string, final bool) {
	if text == "" {
		return
	}
	r.emit(Event{Name: EventSubAgentText, Payload: SubAgentTextEvent{
		Type:     EventSubAgentText,
		ToolName: cfg.ToolName,
		Text:     text,
		IsFinal:  final,
	}})
}

// platformToolDef fetches a downstream tool's definition for a sub-agent
// subset. Missing tools yield a permissive object schema so the sub-agent
// still functions against older tool servers.
func platformToolDef(ctx context.Context, client platform.Client, name string) llm.ToolDef {
	if tools, err := client.Tools(ctx); err == nil {
		for _, t := range tools {
			if t.Name == name {
				return llm.ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
			}
		}
	}
	return llm.ToolDef{
		Name:        name,
		Description: "Platform tool " + name,
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}
}

// platformHandler forwards a sub-agent tool call downstream through the
// tracked client.
func platformHandler(client platform.Client, name string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		result, err := client.Call(ctx, name, args)
		if err != nil {
			return "", err
		}
		if result.IsError {
			return result.Text, fmt.Errorf("%s failed", name)
		}
		return tool.Serialize(result.Payload()), nil
	}
}

// RegisterSubAgentTools installs the sub-agent-backed tools on the set:
// knowledge-base search with analysis, verified schema patching, schema
// creation, and lookup-field suggestion.
//
// These register before any category loads, so they shadow same-named raw
// downstream tools.
func RegisterSubAgentTools(s *tool.Set, runner *SubAgentRunner, client platform.Client) {
	s.Register(&tool.Descriptor{
		Name: "search_knowledge_base",
		Description: "Search the platform knowledge base and return an analyzed answer " +
			"with references, not just raw hits.",
		ReadOnly: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			return runner.Run(ctx, SubAgentConfig{
				ToolName: "search_knowledge_base",
				SystemPrompt: "You are a documentation analyst. Search the knowledge base, " +
					"read the most relevant hits, and answer the question concisely with " +
					"references to the articles you used.",
				Tools:         []llm.ToolDef{platformToolDef(ctx, client, "query_knowledge_base")},
				Handlers:      map[string]tool.Handler{"query_knowledge_base": platformHandler(client, "query_knowledge_base")},
				MaxIterations: 4,
			}, "Question: "+query)
		},
	})

	s.Register(&tool.Descriptor{
		Name: "patch_schema",
		Description: "Apply a targeted patch to a schema and verify the result. Describe the " +
			"desired change; the patch is applied against current state and re-read for " +
			"verification.",
		ReadOnly:    false,
		Collapsible: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"schema_id": {"type": "integer"},
				"change": {"type": "string", "description": "The change to apply, precisely described"}
			},
			"required": ["schema_id", "change"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			schemaID := args["schema_id"]
			change, _ := args["change"].(string)
			return runner.Run(ctx, SubAgentConfig{
				ToolName: "patch_schema",
				SystemPrompt: "You are a schema surgeon. Read the schema, apply the minimal " +
					"update that implements the requested change, then re-read the schema and " +
					"confirm the change landed. Report exactly what changed.",
				Tools: []llm.ToolDef{
					platformToolDef(ctx, client, "get_schema"),
					platformToolDef(ctx, client, "update_schema"),
				},
				Handlers: map[string]tool.Handler{
					"get_schema":    platformHandler(client, "get_schema"),
					"update_schema": platformHandler(client, "update_schema"),
				},
				MaxIterations: 5,
			}, fmt.Sprintf("Schema id: %v\nRequested change: %s", schemaID, change))
		},
	})

	s.Register(&tool.Descriptor{
		Name: "create_schema",
		Description: "Create a new schema from a description of the fields it should have, " +
			"then verify the created schema.",
		ReadOnly: false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"description": {"type": "string", "description": "Fields and structure wanted"}
			},
			"required": ["name", "description"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			description, _ := args["description"].(string)
			return runner.Run(ctx, SubAgentConfig{
				ToolName: "create_schema",
				SystemPrompt: "You design document-extraction schemas. Build the schema content " +
					"the user described, create it, re-read it, and report the created schema id " +
					"and its sections.",
				Tools: []llm.ToolDef{
					platformToolDef(ctx, client, "create_schema"),
					platformToolDef(ctx, client, "get_schema"),
				},
				Handlers: map[string]tool.Handler{
					"create_schema": platformHandler(client, "create_schema"),
					"get_schema":    platformHandler(client, "get_schema"),
				},
				MaxIterations: 4,
			}, fmt.Sprintf("Schema name: %s\nRequirements: %s", name, description))
		},
	})

	s.Register(&tool.Descriptor{
		Name: "suggest_lookup_field",
		Description: "Suggest a lookup-field configuration for a schema based on the data it " +
			"should match against.",
		ReadOnly: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"schema_id": {"type": "integer"},
				"objective": {"type": "string"}
			},
			"required": ["schema_id", "objective"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			schemaID := args["schema_id"]
			objective, _ := args["objective"].(string)
			return runner.Run(ctx, SubAgentConfig{
				ToolName: "suggest_lookup_field",
				SystemPrompt: "You configure lookup fields. Inspect the schema and the available " +
					"datasets, then propose a complete lookup-field configuration: source field, " +
					"dataset, match columns, and output mapping. Do not modify anything.",
				Tools: []llm.ToolDef{
					platformToolDef(ctx, client, "get_schema"),
					platformToolDef(ctx, client, "list_datasets"),
				},
				Handlers: map[string]tool.Handler{
					"get_schema":    platformHandler(client, "get_schema"),
					"list_datasets": platformHandler(client, "list_datasets"),
				},
				MaxIterations: 3,
			}, fmt.Sprintf("Schema id: %v\nObjective: %s", schemaID, objective))
		},
	})
}
