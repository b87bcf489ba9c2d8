// Package tool provides the agent's tool runtime: the descriptor catalog,
// dynamic category loading, argument validation, parallel dispatch with
// read-only gating, and the built-in tool set.
//
// The base catalog is deliberately small (file output, knowledge-base
// search, task tracking, change history, and the category loader) to keep
// the initial schema cheap; platform tool categories load on demand and
// stay loaded for the rest of the chat.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Sentinel errors.
var (
	// ErrUnknownTool indicates the model requested a tool that is not in
	// the loaded schema.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrReadOnly indicates a write tool was requested in read-only mode.
	ErrReadOnly = errors.New("write tools are unavailable in read-only mode")

	// ErrHiddenTool indicates a tool that is deliberately not exposed.
	ErrHiddenTool = errors.New("tool is hidden")
)

// HiddenTools maps tool names that are never exposed to the model to the
// reason they are hidden.
var HiddenTools = map[string]string{
	"update_schema": "replaces the whole schema too easily; use patch_schema instead",
}

// Handler executes a tool call and returns the serialized result payload.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Descriptor describes one dispatchable tool.
type Descriptor struct {
	Name        string
	Description string
	Category    string // empty for built-ins
	ReadOnly    bool
	InputSchema json.RawMessage

	// Collapsible marks tools whose repeated results are summarized in
	// memory, keeping only the latest in full.
	Collapsible bool

	// Handler runs the tool. Built-ins close over their dependencies;
	// platform tools forward to the downstream client.
	Handler Handler

	compileOnce sync.Once
	compiled    *jsonschema.Schema
}

// Validate checks args against the descriptor's input schema.
// Safe for concurrent use: parallel dispatch may validate one descriptor
// from several goroutines.
func (d *Descriptor) Validate(args map[string]any) error {
	if len(d.InputSchema) == 0 {
		return nil
	}
	d.compileOnce.Do(func() {
		schema, err := jsonschema.CompileString(d.Name+".json", string(d.InputSchema))
		if err != nil {
			// A malformed schema must not block dispatch; the
			// downstream server validates again.
			return
		}
		d.compiled = schema
	})
	if d.compiled == nil {
		return nil
	}
	// Round-trip through encoding/json so numbers and nested maps take
	// the shapes the validator expects.
	var v any = map[string]any{}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", d.Name, err)
	}
	return nil
}

// Loaded is the per-chat set of loaded tool categories. It outlives
// individual runs: once a chat loads a category it stays loaded.
// Safe for concurrent use.
type Loaded struct {
	mu         sync.Mutex
	categories map[string]bool
}

// NewLoaded creates an empty loaded-category set.
func NewLoaded() *Loaded {
	return &Loaded{categories: make(map[string]bool)}
}

// Has reports whether the category is loaded.
func (l *Loaded) Has(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.categories[category]
}

// Add marks a category loaded. Returns false when it already was.
func (l *Loaded) Add(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.categories[category] {
		return false
	}
	l.categories[category] = true
	return true
}

// Names returns the loaded category names.
func (l *Loaded) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.categories))
	for name := range l.categories {
		names = append(names, name)
	}
	return names
}
