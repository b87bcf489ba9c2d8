// Package platform connects to the downstream document-processing
// platform's tool server.
//
// The tool server is an MCP server spoken to over stdio. It exposes the
// platform's REST surface as tools (get_queue, patch_schema, ...), each
// carrying read_only metadata, plus a list_tool_categories catalog tool
// used for dynamic category loading.
//
// Credentials travel to the server via environment variables, one server
// process per chat run, so a chat's bearer token never outlives its run.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotConnected indicates the tool-server session is gone.
	ErrNotConnected = errors.New("tool server not connected")

	// ErrPreconditionFailed indicates the downstream API rejected a
	// conditional write (HTTP 412). Retryable with a fresh read.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnauthorized indicates the downstream rejected the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// ToolInfo describes one downstream tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	ReadOnly    bool            `json:"read_only"`
}

// Category groups tools for dynamic loading.
type Category struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Tools    []string `json:"tools"` // tool names in the category
}

// CallResult is a normalized tool-call result.
type CallResult struct {
	// Structured is the decoded structured content when the server
	// provided one; nil otherwise.
	Structured any

	// Text is the flattened text content.
	Text string

	// IsError marks a tool-level failure reported by the server.
	IsError bool
}

// AsMap returns the structured result as a JSON object, or nil.
func (r *CallResult) AsMap() map[string]any {
	if r == nil {
		return nil
	}
	if m, ok := r.Structured.(map[string]any); ok {
		return m
	}
	// Some servers return entities as JSON text.
	if r.Text != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(r.Text), &m); err == nil {
			return m
		}
	}
	return nil
}

// Payload returns the best JSON encoding of the result for the model.
func (r *CallResult) Payload() string {
	if r == nil {
		return ""
	}
	if r.Structured != nil {
		if data, err := json.Marshal(r.Structured); err == nil {
			return string(data)
		}
	}
	return r.Text
}

// Client is the tool-server surface the runtime consumes. The production
// implementation is an MCP session; tests use a fake.
type Client interface {
	// Tools lists all downstream tools with schemas and read_only
	// metadata. Cached by the implementation.
	Tools(ctx context.Context) ([]ToolInfo, error)

	// Catalog lists tool categories for dynamic loading.
	Catalog(ctx context.Context) ([]Category, error)

	// Call invokes a downstream tool.
	Call(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	// Close terminates the session and the server process.
	Close() error
}

// ClassifyError maps a downstream error or error-result text onto the
// retry taxonomy. The tool server surfaces HTTP failures as error text
// carrying the status code.
func ClassifyError(text string) error {
	switch {
	case containsStatus(text, 412):
		return ErrPreconditionFailed
	case containsStatus(text, 401), containsStatus(text, 403):
		return ErrUnauthorized
	default:
		return nil
	}
}

// Retryable reports whether a downstream failure should be retried.
// 412 (conditional write conflict), 429 and 5xx are transient; other 4xx
// are not.
func Retryable(text string) bool {
	if containsStatus(text, 412) || containsStatus(text, 429) {
		return true
	}
	for _, code := range []int{500, 502, 503, 504} {
		if containsStatus(text, code) {
			return true
		}
	}
	return false
}

func containsStatus(text string, code int) bool {
	return strings.Contains(text, fmt.Sprintf("%d", code))
}
