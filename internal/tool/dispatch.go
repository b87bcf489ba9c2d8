package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/track"
)

// errToolResult marks a handler return whose payload is an error message
// destined for the model rather than a runtime failure.
var errToolResult = errors.New("tool reported an error")

// writeStagger spaces concurrent writes to the same entity category so the
// downstream API's conditional writes do not collide.
const writeStagger = 500 * time.Millisecond

// Result is one completed tool call.
type Result struct {
	Call    llm.ToolCall
	Content string
	IsError bool
}

// DispatchOptions tunes a DispatchAll invocation.
type DispatchOptions struct {
	// Timeout bounds each individual call. Zero means no per-call bound
	// beyond ctx.
	Timeout time.Duration

	// OnResult is invoked in completion order as calls finish. May be
	// nil. Results are additionally returned in input order.
	OnResult func(Result)
}

// DispatchAll runs all tool calls of one assistant turn concurrently.
//
// Results come back in input order for memory folding; OnResult fires in
// completion order for streaming. Writes to the same entity category are
// staggered writeStagger apart. Cancellation is checked before each call
// and propagated into handlers via ctx.
func (s *Set) DispatchAll(ctx context.Context, calls []llm.ToolCall, opts DispatchOptions) []Result {
	results := make([]Result, len(calls))

	// Assign stagger slots: the Nth write touching an entity category
	// waits N-1 stagger periods before dispatch.
	delays := make([]time.Duration, len(calls))
	writeSeen := make(map[string]int)
	for i, call := range calls {
		d, ok := s.Lookup(call.Name)
		if !ok || d.ReadOnly {
			continue
		}
		category := track.EntityTypeOf(call.Name)
		if category == "" {
			category = call.Name
		}
		delays[i] = time.Duration(writeSeen[category]) * writeStagger
		writeSeen[category]++
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if delays[i] > 0 {
				select {
				case <-gctx.Done():
					results[i] = cancelledResult(call)
					return nil
				case <-time.After(delays[i]):
				}
			}
			results[i] = s.dispatchOne(gctx, call, opts.Timeout)
			if opts.OnResult != nil {
				opts.OnResult(results[i])
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in results

	return results
}

// dispatchOne validates and executes a single call.
func (s *Set) dispatchOne(ctx context.Context, call llm.ToolCall, timeout time.Duration) Result {
	if err := ctx.Err(); err != nil {
		return cancelledResult(call)
	}

	descriptor, ok := s.Lookup(call.Name)
	if !ok {
		if _, hidden := HiddenTools[call.Name]; hidden {
			return errorResult(call, fmt.Sprintf("%v: %s", ErrHiddenTool, HiddenTools[call.Name]))
		}
		return errorResult(call, fmt.Sprintf("%v: %q is not loaded; use load_tool_category first", ErrUnknownTool, call.Name))
	}

	// The schema already excludes write tools in read-only mode; refuse
	// dispatch too in case the model hallucinates one.
	if s.readOnly && !descriptor.ReadOnly {
		return errorResult(call, ErrReadOnly.Error())
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return errorResult(call, fmt.Sprintf("malformed arguments: %v", err))
	}
	if err := descriptor.Validate(args); err != nil {
		return errorResult(call, err.Error())
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := descriptor.Handler(callCtx, args)
	switch {
	case err == nil:
		return Result{Call: call, Content: payload}
	case errors.Is(err, errToolResult):
		// The payload is the downstream error text.
		return errorResult(call, payload)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelledResult(call)
	default:
		return errorResult(call, err.Error())
	}
}

func decodeArgs(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorResult(call llm.ToolCall, message string) Result {
	return Result{Call: call, Content: message, IsError: true}
}

func cancelledResult(call llm.ToolCall) Result {
	return Result{Call: call, Content: "cancelled", IsError: true}
}
