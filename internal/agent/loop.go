package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/task"
	"github.com/docbridge-ai/agent/internal/tool"
	"github.com/docbridge-ai/agent/internal/track"
)

// Sentinel errors.
var (
	// ErrIterationCap indicates the loop hit its hard iteration cap
	// without producing a final answer.
	ErrIterationCap = errors.New("iteration cap reached")
)

// Config is the immutable runner configuration shared by all runs.
type Config struct {
	Provider        llm.Provider
	Model           string
	SummaryModel    string
	MaxIterations   int
	MaxOutputTokens int
	ThinkingBudget  int
	ToolTimeout     time.Duration
	Logger          *slog.Logger
}

// RunDeps carries the per-run collaborators, wired by the gateway.
type RunDeps struct {
	ChatID    string
	Set       *tool.Set
	Tracker   *track.Tracker
	Commits   *track.CommitService
	Tasks     *task.Tracker
	OutputDir string

	// WriteToolNames is the downstream read_only=false set, used to
	// recognize write intents that the read-only schema gate already
	// excluded.
	WriteToolNames map[string]bool
}

// RunParams is one user message.
type RunParams struct {
	Prompt      string
	Images      []llm.Block // pre-built image blocks
	Memory      *Memory     // restored conversation memory
	Mode        string
	Persona     string
	PlatformURL string
	Preloaded   string
}

// Outcome is the result of one run.
type Outcome struct {
	Memory      *Memory
	FinalAnswer string
	TotalSteps  int
	Usage       llm.Usage
	Breakdown   *Breakdown
	Commit      *track.ConfigCommit
	Cancelled   bool
}

// Runner executes agent runs.
type Runner struct {
	cfg    Config
	ledger *Ledger
}

// NewRunner creates a runner. The ledger is per-run; construct one Runner
// per run.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = config.DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, ledger: NewLedger()}
}

// Ledger exposes the run's token ledger for sub-agent wiring.
func (r *Runner) Ledger() *Ledger { return r.ledger }

// Run drives the model/tool loop for one message until a final answer,
// the iteration cap, cancellation, or an unrecoverable error.
//
// Events are emitted through emit; the caller owns the terminal done
// event. Cancellation is not an error: the outcome has Cancelled set and
// no commit is produced.
func (r *Runner) Run(ctx context.Context, deps RunDeps, params RunParams, emit EmitFunc) (*Outcome, error) {
	memory := params.Memory
	if memory == nil {
		memory = NewMemory()
	}
	memory.SetCollapsible(collapsibleNames(deps.Set))

	userBlocks := append([]llm.Block{}, params.Images...)
	userBlocks = append(userBlocks, llm.Block{Type: llm.BlockText, Text: params.Prompt})
	memory.BeginTurn(userBlocks)

	system := SystemPrompt(PromptParams{
		Mode:        params.Mode,
		Persona:     params.Persona,
		PlatformURL: params.PlatformURL,
		Preloaded:   params.Preloaded,
	})

	outcome := &Outcome{Memory: memory}

	for step := 1; step <= r.cfg.MaxIterations; step++ {
		outcome.TotalSteps = step

		turn, err := r.modelTurn(ctx, system, memory, deps.Set.Schema(), step, emit)
		if err != nil {
			if canceled(ctx, err) {
				outcome.Cancelled = true
				return r.finish(ctx, deps, params, outcome, emit)
			}
			r.cfg.Logger.Error("model turn failed", "chat", deps.ChatID, "step", step, "error", err)
			r.emitError(emit, step, modelErrorMessage(err))
			return r.finish(ctx, deps, params, outcome, emit)
		}

		if len(turn.toolCalls) == 0 {
			// No tools requested: the text is the final answer.
			emit(Event{Name: EventStep, Payload: StepEvent{
				Type:       StepFinalAnswer,
				StepNumber: step,
				Content:    turn.text,
				IsFinal:    true,
			}})
			memory.AddStep(&MemoryStep{StepNumber: step, Text: turn.text, Thinking: turn.thinking})
			outcome.FinalAnswer = turn.text
			return r.finish(ctx, deps, params, outcome, emit)
		}

		// Read-only gate: the schema already excludes write tools, so a
		// write request here is a planned write the mode forbids. Stop
		// with a user-facing warning instead of attempting and failing.
		if deps.Set.ReadOnly() {
			if blocked := firstWriteIntent(turn.toolCalls, deps); blocked != "" {
				warning := fmt.Sprintf(
					"This chat is in read-only mode, so I can't perform the requested change (%s). "+
						"Switch the chat to read-write mode and ask again to apply it.", blocked)
				emit(Event{Name: EventStep, Payload: StepEvent{
					Type:       StepFinalAnswer,
					StepNumber: step,
					Content:    warning,
					IsFinal:    true,
				}})
				memory.AddStep(&MemoryStep{StepNumber: step, Text: warning, Thinking: turn.thinking})
				outcome.FinalAnswer = warning
				return r.finish(ctx, deps, params, outcome, emit)
			}
		}

		results := r.dispatchTools(ctx, deps, turn, step, emit)
		if ctx.Err() != nil {
			outcome.Cancelled = true
			return r.finish(ctx, deps, params, outcome, emit)
		}

		memory.AddStep(&MemoryStep{
			StepNumber:  step,
			Text:        turn.text,
			Thinking:    turn.thinking,
			ToolCalls:   turn.toolCalls,
			ToolResults: results,
		})
	}

	r.emitError(emit, outcome.TotalSteps+1,
		fmt.Sprintf("Stopped after %d iterations without a final answer.", r.cfg.MaxIterations))
	_, _ = r.finish(ctx, deps, params, outcome, emit)
	return outcome, ErrIterationCap
}

// modelTurnResult aggregates one streamed assistant turn.
type modelTurnResult struct {
	text      string
	thinking  []ThinkingBlock
	toolCalls []llm.ToolCall
}

// modelTurn performs one streaming model call, emitting streaming step
// events for thinking and text deltas as they arrive.
func (r *Runner) modelTurn(ctx context.Context, system string, memory *Memory, schema []llm.ToolDef, step int, emit EmitFunc) (*modelTurnResult, error) {
	chunks, err := r.cfg.Provider.Stream(ctx, &llm.Request{
		Model:          r.cfg.Model,
		System:         system,
		Messages:       memory.Fold(),
		Tools:          schema,
		MaxTokens:      r.cfg.MaxOutputTokens,
		ThinkingBudget: r.cfg.ThinkingBudget,
		Cache:          true,
	})
	if err != nil {
		return nil, err
	}

	turn := &modelTurnResult{}
	var text, thinking strings.Builder

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return turn, chunk.Err

		case chunk.ThinkingDelta != "":
			thinking.WriteString(chunk.ThinkingDelta)
			emit(Event{Name: EventStep, Payload: StepEvent{
				Type:        StepThinking,
				StepNumber:  step,
				Content:     thinking.String(),
				IsStreaming: true,
			}})

		case chunk.SignatureDelta != "":
			// A signature closes the current thinking block.
			turn.thinking = append(turn.thinking, ThinkingBlock{
				Thinking:  thinking.String(),
				Signature: chunk.SignatureDelta,
			})
			thinking.Reset()

		case chunk.TextDelta != "":
			text.WriteString(chunk.TextDelta)
			emit(Event{Name: EventStep, Payload: StepEvent{
				Type:        StepIntermediate,
				StepNumber:  step,
				Content:     text.String(),
				IsStreaming: true,
			}})

		case chunk.ToolCall != nil:
			turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)

		case chunk.Done:
			r.ledger.AddMain(chunk.Usage)
		}
	}

	turn.text = text.String()
	// Thinking without a trailing signature cannot be replayed; keep it
	// for the transcript only when no tool loop continues the turn.
	if thinking.Len() > 0 && len(turn.toolCalls) == 0 {
		turn.thinking = append(turn.thinking, ThinkingBlock{Thinking: thinking.String()})
	}
	return turn, ctx.Err()
}

// dispatchTools emits tool_start events, runs all calls in parallel, and
// emits tool_result events in completion order. Results return in input
// order for memory folding.
func (r *Runner) dispatchTools(ctx context.Context, deps RunDeps, turn *modelTurnResult, step int, emit EmitFunc) []ToolResult {
	total := len(turn.toolCalls)
	for i, call := range turn.toolCalls {
		emit(Event{Name: EventStep, Payload: StepEvent{
			Type:          StepToolStart,
			StepNumber:    step,
			ToolName:      call.Name,
			ToolArguments: decodeForDisplay(call.Arguments),
			ToolProgress:  progress(i+1, total),
			ToolCallID:    call.ID,
			IsStreaming:   true,
		}})
	}

	dispatched := deps.Set.DispatchAll(ctx, turn.toolCalls, tool.DispatchOptions{
		Timeout: r.cfg.ToolTimeout,
		OnResult: func(result tool.Result) {
			emit(Event{Name: EventStep, Payload: StepEvent{
				Type:       StepToolResult,
				StepNumber: step,
				ToolName:   result.Call.Name,
				Result:     result.Content,
				IsError:    result.IsError,
				ToolCallID: result.Call.ID,
			}})
		},
	})

	results := make([]ToolResult, len(dispatched))
	for i, d := range dispatched {
		results[i] = ToolResult{
			ToolCallID: d.Call.ID,
			Name:       d.Call.Name,
			Content:    d.Content,
			IsError:    d.IsError,
		}
	}
	return results
}

// finish commits tracked changes (on every path except cancellation,
// including model errors and the iteration cap) and assembles the outcome.
// Cancelled runs never commit.
func (r *Runner) finish(ctx context.Context, deps RunDeps, params RunParams, outcome *Outcome, emit EmitFunc) (*Outcome, error) {
	outcome.Usage = r.ledger.Totals()
	outcome.Breakdown = r.ledger.Breakdown()

	if outcome.Cancelled || deps.Tracker == nil || deps.Commits == nil {
		return outcome, nil
	}

	// The commit runs on a fresh context: the run context may already be
	// done, but completed writes must still be recorded.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	commit, err := deps.Commits.Commit(commitCtx, deps.Tracker, deps.ChatID, params.Prompt)
	if err != nil {
		r.cfg.Logger.Warn("recording config commit failed", "error", err, "chat", deps.ChatID)
		return outcome, nil
	}
	if commit == nil {
		return outcome, nil
	}
	outcome.Commit = commit

	emit(Event{Name: EventStep, Payload: StepEvent{
		Type:         StepFinalAnswer,
		StepNumber:   outcome.TotalSteps + 1,
		Content:      commitSummary(commit),
		IsFinal:      true,
		IsHookOutput: true,
	}})
	return outcome, nil
}

// commitSummary renders the post-run commit note shown in the chat.
func commitSummary(commit *track.ConfigCommit) string {
	icons := map[string]string{track.OpCreate: "+", track.OpUpdate: "~", track.OpDelete: "-"}
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s — %s", commit.Hash[:8], commit.Message)
	for _, change := range commit.Changes {
		icon, ok := icons[change.Operation]
		if !ok {
			icon = "?"
		}
		fmt.Fprintf(&b, "\n  [%s] %s %q", icon, change.EntityType, change.EntityName)
	}
	return b.String()
}

// firstWriteIntent returns the first requested tool that is a known write
// tool, or the name of any unloaded downstream write tool.
func firstWriteIntent(calls []llm.ToolCall, deps RunDeps) string {
	for _, call := range calls {
		if deps.WriteToolNames[call.Name] {
			return call.Name
		}
		if d, ok := deps.Set.Lookup(call.Name); ok && !d.ReadOnly {
			return call.Name
		}
	}
	return ""
}

func collapsibleNames(s *tool.Set) []string {
	var names []string
	for _, name := range s.Names() {
		if d, ok := s.Lookup(name); ok && d.Collapsible {
			names = append(names, name)
		}
	}
	return names
}

func decodeForDisplay(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

func (r *Runner) emitError(emit EmitFunc, step int, message string) {
	emit(Event{Name: EventStep, Payload: StepEvent{
		Type:       StepError,
		StepNumber: step,
		Content:    message,
		IsFinal:    true,
	}})
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// modelErrorMessage maps provider failures onto user-facing guidance.
func modelErrorMessage(err error) string {
	if errors.Is(err, llm.ErrStreamBroken) {
		return "The model stream was interrupted. Please try sending your message again."
	}
	return fmt.Sprintf("Model call failed: %v", err)
}
