package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Config describes how to launch and authenticate the tool server.
type Config struct {
	// Command and Args launch the MCP server process.
	Command string
	Args    []string

	// APIToken and APIBaseURL are forwarded to the server environment.
	APIToken   string
	APIBaseURL string

	// Mode is "read-only" or "read-write"; the server enforces it too,
	// as defense in depth behind the runtime's own gate.
	Mode string

	Logger *slog.Logger
}

// Conn is an MCP ClientSession to the tool server.
// Safe for concurrent use; the SDK serializes requests on the transport
// and tool/catalog caches are mutex-guarded.
type Conn struct {
	session *mcp.ClientSession
	logger  *slog.Logger

	mu       sync.Mutex
	tools    []ToolInfo
	catalog  []Category
	haveCat  bool
	haveTool bool
}

// Connect launches the tool-server process and performs the MCP handshake.
// The caller must Close the connection; closing terminates the process.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("tool server command is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(),
		"API_BASE_URL="+strings.TrimRight(cfg.APIBaseURL, "/"),
		"API_TOKEN="+cfg.APIToken,
		"MODE="+cfg.Mode,
	)

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "docbridge-agent",
		Version: "1.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting tool server: %w", err)
	}

	return &Conn{session: session, logger: cfg.Logger}, nil
}

// Tools implements Client. The first call fetches and caches the list.
func (c *Conn) Tools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.Lock()
	if c.haveTool {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		info := ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
		if t.Annotations != nil {
			info.ReadOnly = t.Annotations.ReadOnlyHint
		}
		tools = append(tools, info)
	}

	c.mu.Lock()
	c.tools = tools
	c.haveTool = true
	c.mu.Unlock()
	return tools, nil
}

// Catalog implements Client. Fetched via the server's list_tool_categories
// tool and cached.
func (c *Conn) Catalog(ctx context.Context) ([]Category, error) {
	c.mu.Lock()
	if c.haveCat {
		cat := c.catalog
		c.mu.Unlock()
		return cat, nil
	}
	c.mu.Unlock()

	result, err := c.Call(ctx, "list_tool_categories", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}

	categories, err := parseCatalog(result)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.catalog = categories
	c.haveCat = true
	c.mu.Unlock()
	return categories, nil
}

// catalogEntry matches the wire shape of list_tool_categories.
type catalogEntry struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Tools    []struct {
		Name     string `json:"name"`
		ReadOnly *bool  `json:"read_only"`
	} `json:"tools"`
}

func parseCatalog(result *CallResult) ([]Category, error) {
	raw := result.Payload()
	if raw == "" {
		return nil, fmt.Errorf("empty catalog result")
	}

	var entries []catalogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Tolerate a {"result": [...]} wrapper.
		var wrapper struct {
			Result []catalogEntry `json:"result"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapper); err2 != nil || wrapper.Result == nil {
			return nil, fmt.Errorf("parsing catalog: %w", err)
		}
		entries = wrapper.Result
	}

	categories := make([]Category, 0, len(entries))
	for _, e := range entries {
		cat := Category{Name: e.Name, Keywords: e.Keywords}
		for _, t := range e.Tools {
			cat.Tools = append(cat.Tools, t.Name)
		}
		categories = append(categories, cat)
	}
	return categories, nil
}

// Call implements Client.
func (c *Conn) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	c.logger.Debug("calling downstream tool", "tool", name)

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	out := &CallResult{
		Structured: result.StructuredContent,
		IsError:    result.IsError,
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	out.Text = strings.Join(parts, "\n")
	return out, nil
}

// Close implements Client.
func (c *Conn) Close() error {
	return c.session.Close()
}

var _ Client = (*Conn)(nil)
