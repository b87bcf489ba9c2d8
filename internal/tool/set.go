package tool

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/platform"
)

// Set is the tool surface for one agent run: the built-in descriptors plus
// whatever platform categories the chat has loaded.
//
// Safe for concurrent use — the model can request load_tool_category in the
// same turn as other calls.
type Set struct {
	client   platform.Client
	loaded   *Loaded
	readOnly bool
	logger   *slog.Logger

	mu          sync.Mutex
	descriptors []*Descriptor
	byName      map[string]*Descriptor
}

// NewSet creates a tool set over the (tracked) platform client.
// loaded carries the chat's already-loaded categories; their tools are
// materialized lazily on Restore.
func NewSet(client platform.Client, loaded *Loaded, readOnly bool, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		client:   client,
		loaded:   loaded,
		readOnly: readOnly,
		logger:   logger,
		byName:   make(map[string]*Descriptor),
	}
}

// ReadOnly reports whether the run is gated read-only.
func (s *Set) ReadOnly() bool { return s.readOnly }

// Register adds a descriptor to the set. Hidden tools and — in read-only
// mode — write tools are dropped silently.
func (s *Set) Register(d *Descriptor) {
	if _, hidden := HiddenTools[d.Name]; hidden {
		return
	}
	if s.readOnly && !d.ReadOnly {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[d.Name]; exists {
		return
	}
	s.descriptors = append(s.descriptors, d)
	s.byName[d.Name] = d
}

// Lookup finds a descriptor by name.
func (s *Set) Lookup(name string) (*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byName[name]
	return d, ok
}

// Schema returns the tool definitions currently offered to the model.
func (s *Set) Schema() []llm.ToolDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make([]llm.ToolDef, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = []byte(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Names returns the currently loaded tool names, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// WriteTools returns the read_only=false downstream tool names, used to
// configure change tracking.
func WriteTools(ctx context.Context, client platform.Client) (map[string]bool, error) {
	tools, err := client.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing platform tools: %w", err)
	}
	writes := make(map[string]bool)
	for _, t := range tools {
		if !t.ReadOnly {
			writes[t.Name] = true
		}
	}
	return writes, nil
}

// LoadCategories loads platform tool categories into the set.
// Unknown categories error; already-loaded ones are reported as such.
// In read-only mode write tools are excluded from the loaded surface.
func (s *Set) LoadCategories(ctx context.Context, categories []string) (string, error) {
	catalog, err := s.client.Catalog(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching tool catalog: %w", err)
	}

	byName := make(map[string]platform.Category, len(catalog))
	valid := make([]string, 0, len(catalog))
	for _, c := range catalog {
		byName[c.Name] = c
		valid = append(valid, c.Name)
	}
	sort.Strings(valid)

	var invalid []string
	for _, c := range categories {
		if _, ok := byName[c]; !ok {
			invalid = append(invalid, c)
		}
	}
	if len(invalid) > 0 {
		return "", fmt.Errorf("unknown categories %v; valid: %v", invalid, valid)
	}

	var toLoad []string
	for _, c := range categories {
		if !s.loaded.Has(c) {
			toLoad = append(toLoad, c)
		}
	}
	if len(toLoad) == 0 {
		return fmt.Sprintf("Categories already loaded: %v", categories), nil
	}

	wanted := make(map[string]string) // tool name -> category
	for _, c := range toLoad {
		for _, name := range byName[c].Tools {
			wanted[name] = c
		}
	}

	added, err := s.materialize(ctx, wanted)
	if err != nil {
		return "", err
	}
	for _, c := range toLoad {
		s.loaded.Add(c)
	}

	sort.Strings(added)
	suffix := ""
	if s.readOnly {
		suffix = " (read-only mode)"
	}
	s.logger.Info("loaded tool categories", "categories", toLoad, "tools", len(added))
	return fmt.Sprintf("Loaded %d tools from %v%s: %s", len(added), toLoad, suffix, strings.Join(added, ", ")), nil
}

// materialize registers platform descriptors for the wanted tool names.
func (s *Set) materialize(ctx context.Context, wanted map[string]string) ([]string, error) {
	tools, err := s.client.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing platform tools: %w", err)
	}

	var added []string
	for _, info := range tools {
		category, ok := wanted[info.Name]
		if !ok {
			continue
		}
		if _, hidden := HiddenTools[info.Name]; hidden {
			continue
		}
		if s.readOnly && !info.ReadOnly {
			continue
		}
		info := info
		s.Register(&Descriptor{
			Name:        info.Name,
			Description: info.Description,
			Category:    category,
			ReadOnly:    info.ReadOnly,
			InputSchema: info.InputSchema,
			Collapsible: info.Name == "patch_schema",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return callPlatform(ctx, s.client, info.Name, args)
			},
		})
		added = append(added, info.Name)
	}
	return added, nil
}

// Restore re-materializes tools for the chat's already-loaded categories.
// Used at the start of each run: the loaded-category set persists across
// messages while descriptors are per-run.
func (s *Set) Restore(ctx context.Context) error {
	names := s.loaded.Names()
	if len(names) == 0 {
		return nil
	}
	catalog, err := s.client.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("fetching tool catalog: %w", err)
	}
	wanted := make(map[string]string)
	for _, c := range catalog {
		for _, loaded := range names {
			if c.Name == loaded {
				for _, tn := range c.Tools {
					wanted[tn] = c.Name
				}
			}
		}
	}
	_, err = s.materialize(ctx, wanted)
	return err
}

// PreloadFor loads categories whose keywords appear in the user's request,
// using word-boundary matching so "credit" does not match "edit".
// Returns a human-readable note when anything was loaded.
func (s *Set) PreloadFor(ctx context.Context, requestText string) string {
	catalog, err := s.client.Catalog(ctx)
	if err != nil {
		s.logger.Debug("catalog fetch for preloading failed", "error", err)
		return ""
	}

	lower := strings.ToLower(requestText)
	var suggestions []string
	for _, c := range catalog {
		for _, keyword := range c.Keywords {
			pattern := `\b` + regexp.QuoteMeta(strings.ToLower(keyword)) + `\b`
			if matched, _ := regexp.MatchString(pattern, lower); matched {
				suggestions = append(suggestions, c.Name)
				break
			}
		}
	}
	if len(suggestions) == 0 {
		return ""
	}

	note, err := s.LoadCategories(ctx, suggestions)
	if err != nil || strings.HasPrefix(note, "Categories already") {
		return ""
	}
	s.logger.Info("pre-loaded categories from request keywords", "categories", suggestions)
	return note
}

// callPlatform forwards a tool call downstream and serializes the result.
// Transient failures (412, 429, 5xx) are retried with doubling backoff, up
// to 5 attempts. Downstream error results come back as data, not Go errors,
// so the loop can keep going and let the model adapt.
func callPlatform(ctx context.Context, client platform.Client, name string, args map[string]any) (string, error) {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		result, err := client.Call(ctx, name, args)
		if err != nil {
			return "", err
		}
		if !result.IsError {
			return Serialize(result.Payload()), nil
		}
		if attempt >= 5 || !platform.Retryable(result.Text) {
			return result.Text, errToolResult
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
