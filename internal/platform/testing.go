package platform

import (
	"context"
	"fmt"
	"sync"
)

// FakeHandler executes one fake tool call.
type FakeHandler func(ctx context.Context, args map[string]any) (*CallResult, error)

// Fake is an in-process Client for tests. Register tools with a handler,
// then inspect Calls afterwards.
type Fake struct {
	mu       sync.Mutex
	tools    []ToolInfo
	catalog  []Category
	handlers map[string]FakeHandler
	calls    []FakeCall
	closed   bool
}

// FakeCall records one Call invocation.
type FakeCall struct {
	Name string
	Args map[string]any
}

// NewFake creates an empty fake tool server.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]FakeHandler)}
}

// Register adds a tool with its handler.
func (f *Fake) Register(info ToolInfo, handler FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, info)
	f.handlers[info.Name] = handler
}

// SetCatalog sets the category catalog returned by Catalog.
func (f *Fake) SetCatalog(categories []Category) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalog = categories
}

// Tools implements Client.
func (f *Fake) Tools(context.Context) ([]ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ToolInfo, len(f.tools))
	copy(out, f.tools)
	return out, nil
}

// Catalog implements Client.
func (f *Fake) Catalog(context.Context) ([]Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Category, len(f.catalog))
	copy(out, f.catalog)
	return out, nil
}

// Call implements Client.
func (f *Fake) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrNotConnected
	}
	f.calls = append(f.calls, FakeCall{Name: name, Args: args})
	handler, ok := f.handlers[name]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler(ctx, args)
}

// Close implements Client.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls returns all recorded calls.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns recorded calls for one tool.
func (f *Fake) CallsTo(name string) []FakeCall {
	var out []FakeCall
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

var _ Client = (*Fake)(nil)

// OKResult builds a successful structured result.
func OKResult(structured any) *CallResult {
	return &CallResult{Structured: structured}
}

// ErrorResult builds a tool-level error result with the given text.
func ErrorResult(text string) *CallResult {
	return &CallResult{Text: text, IsError: true}
}
