package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"github.com/docbridge-ai/agent/internal/store"
	"github.com/docbridge-ai/agent/internal/task"
	"github.com/docbridge-ai/agent/internal/track"
)

// Deps carries the run-scoped dependencies of the built-in tools.
type Deps struct {
	ChatID    string
	OutputDir string

	Tasks    *task.Tracker
	Tracker  *track.Tracker
	Commits  *track.CommitService
	Reverter *track.Reverter
	Store    store.Store

	// UserRequest is the prompt that started the run; recorded on
	// commits produced by flushes inside the run.
	UserRequest string

	// OnFileCreated fires when a tool writes an output file.
	OnFileCreated func(filename string)

	Logger *slog.Logger
}

// RegisterBuiltins installs the always-available tool surface: file
// output, task tracking, the category loader, and change-history tools.
func RegisterBuiltins(s *Set, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	registerOutputTools(s, deps)
	registerTaskTools(s, deps)
	registerLoaderTools(s, deps)
	registerHistoryTools(s, deps)
}

func registerOutputTools(s *Set, deps Deps) {
	s.Register(&Descriptor{
		Name: "write_output_file",
		Description: "Write a text file into the chat's output directory. " +
			"The file becomes downloadable by the user when the run completes.",
		ReadOnly: true, // writes to local scratch space, not the platform
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"filename": {"type": "string", "description": "File name, no directories"},
				"content": {"type": "string", "description": "File content"}
			},
			"required": ["filename", "content"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			filename, _ := args["filename"].(string)
			content, _ := args["content"].(string)

			base := filepath.Base(filename)
			if base == "" || base == "." || base == ".." || base != filename {
				return "", fmt.Errorf("invalid filename %q", filename)
			}
			if deps.OutputDir == "" {
				return "", fmt.Errorf("no output directory for this run")
			}
			path := filepath.Join(deps.OutputDir, base)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return "", fmt.Errorf("writing %s: %w", base, err)
			}
			if deps.OnFileCreated != nil {
				deps.OnFileCreated(base)
			}
			return Serialize(map[string]any{"status": "written", "filename": base, "bytes": len(content)}), nil
		},
	})
}

func registerTaskTools(s *Set, deps Deps) {
	s.Register(&Descriptor{
		Name:        "create_task",
		Description: "Create a task to track progress on a multi-step operation.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subject": {"type": "string", "description": "Brief imperative title"},
				"description": {"type": "string", "description": "What needs to be done"}
			},
			"required": ["subject"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			if deps.Tasks == nil {
				return "", fmt.Errorf("task tracking not available")
			}
			subject, _ := args["subject"].(string)
			description, _ := args["description"].(string)
			return Serialize(deps.Tasks.Create(subject, description)), nil
		},
	})

	s.Register(&Descriptor{
		Name:        "update_task",
		Description: "Update a task's status (pending, in_progress, completed) or subject.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string"},
				"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
				"subject": {"type": "string"}
			},
			"required": ["task_id"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			if deps.Tasks == nil {
				return "", fmt.Errorf("task tracking not available")
			}
			id, _ := args["task_id"].(string)
			status, _ := args["status"].(string)
			subject, _ := args["subject"].(string)
			updated, err := deps.Tasks.Update(id, status, subject)
			if err != nil {
				return "", err
			}
			return Serialize(updated), nil
		},
	})

	s.Register(&Descriptor{
		Name:        "list_tasks",
		Description: "List all tracked tasks with their current status.",
		ReadOnly:    true,
		Handler: func(context.Context, map[string]any) (string, error) {
			if deps.Tasks == nil {
				return "", fmt.Errorf("task tracking not available")
			}
			return Serialize(deps.Tasks.List()), nil
		},
	})
}

func registerLoaderTools(s *Set, deps Deps) {
	s.Register(&Descriptor{
		Name:        "list_tool_categories",
		Description: "List available platform tool categories with their tools.",
		ReadOnly:    true,
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			catalog, err := s.client.Catalog(ctx)
			if err != nil {
				return "", err
			}
			return Serialize(catalog), nil
		},
	})

	s.Register(&Descriptor{
		Name: "load_tool_category",
		Description: "Load platform tools from one or more categories. Once loaded, the tools " +
			"become available for use. Categories: annotations, queues, schemas, engines, hooks, " +
			"email_templates, document_relations, relations, rules, users, workspaces.",
		ReadOnly: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"categories": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Category names to load"
				}
			},
			"required": ["categories"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			categories := stringSlice(args["categories"])
			if len(categories) == 0 {
				return "", fmt.Errorf("categories must be a non-empty array of strings")
			}
			return s.LoadCategories(ctx, categories)
		},
	})

	s.Register(&Descriptor{
		Name:        "load_tool",
		Description: "Load specific platform tools by name.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool_names": {
					"type": "array",
					"items": {"type": "string"}
				}
			},
			"required": ["tool_names"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			names := stringSlice(args["tool_names"])
			if len(names) == 0 {
				return "", fmt.Errorf("tool_names must be a non-empty array of strings")
			}
			return s.loadByName(ctx, names)
		},
	})
}

// loadByName loads individual platform tools, honoring hidden and
// read-only gating.
func (s *Set) loadByName(ctx context.Context, names []string) (string, error) {
	var hidden []string
	for _, name := range names {
		if reason, ok := HiddenTools[name]; ok {
			hidden = append(hidden, name+": "+reason)
		}
	}
	if len(hidden) > 0 {
		return "", fmt.Errorf("%w: %s", ErrHiddenTool, strings.Join(hidden, "; "))
	}

	tools, err := s.client.Tools(ctx)
	if err != nil {
		return "", fmt.Errorf("listing platform tools: %w", err)
	}
	available := make(map[string]bool, len(tools))
	for _, t := range tools {
		available[t.Name] = true
		if s.readOnly && !t.ReadOnly {
			for _, name := range names {
				if name == t.Name {
					return "", fmt.Errorf("%w: %s", ErrReadOnly, name)
				}
			}
		}
	}

	var invalid []string
	for _, name := range names {
		if !available[name] {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return "", fmt.Errorf("unknown tools %v", invalid)
	}

	wanted := make(map[string]string, len(names))
	for _, name := range names {
		if _, loaded := s.Lookup(name); !loaded {
			wanted[name] = ""
		}
	}
	if len(wanted) == 0 {
		return fmt.Sprintf("Tools already loaded: %v", names), nil
	}

	added, err := s.materialize(ctx, wanted)
	if err != nil {
		return "", err
	}
	sort.Strings(added)
	return "Loaded tools: " + strings.Join(added, ", "), nil
}

func registerHistoryTools(s *Set, deps Deps) {
	s.Register(&Descriptor{
		Name:        "show_change_history",
		Description: "Show recent configuration commits made by the agent in this chat.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Commits == nil {
				return "", fmt.Errorf("change tracking not available")
			}
			flushPending(ctx, deps)

			limit := intArg(args, "limit", 10)
			commits, err := deps.Commits.List(ctx, deps.ChatID, limit)
			if err != nil {
				return "", err
			}
			if len(commits) == 0 {
				return Serialize(map[string]string{"message": "No configuration changes recorded"}), nil
			}

			type summary struct {
				Hash        string `json:"hash"`
				Message     string `json:"message"`
				Timestamp   string `json:"timestamp"`
				Changes     int    `json:"changes"`
				UserRequest string `json:"user_request"`
			}
			out := make([]summary, 0, len(commits))
			for _, c := range commits {
				out = append(out, summary{
					Hash:        c.Hash,
					Message:     c.Message,
					Timestamp:   c.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
					Changes:     len(c.Changes),
					UserRequest: Truncate(c.UserRequest, 100),
				})
			}
			return Serialize(out), nil
		},
	})

	s.Register(&Descriptor{
		Name:        "show_commit_details",
		Description: "Show full details and before/after snapshots for a configuration commit.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"commit_hash": {"type": "string"}},
			"required": ["commit_hash"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Commits == nil {
				return "", fmt.Errorf("change tracking not available")
			}
			hash, _ := args["commit_hash"].(string)
			commit, err := deps.Commits.Get(ctx, hash)
			if err != nil {
				return "", fmt.Errorf("commit %s not found", hash)
			}
			return Serialize(commit), nil
		},
	})

	s.Register(&Descriptor{
		Name: "revert_commit",
		Description: "Revert a configuration commit by applying inverse operations. " +
			"Produces a new forward commit restoring the before-state.",
		ReadOnly: false, // performs downstream writes
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"commit_hash": {"type": "string"}},
			"required": ["commit_hash"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Commits == nil || deps.Reverter == nil {
				return "", fmt.Errorf("change tracking not available")
			}
			flushPending(ctx, deps)

			hash, _ := args["commit_hash"].(string)
			commit, err := deps.Commits.Get(ctx, hash)
			if err != nil {
				return "", fmt.Errorf("commit %s not found", hash)
			}

			results, errs := deps.Reverter.RevertCommit(ctx, commit)
			response := map[string]any{
				"status":      "completed",
				"commit_hash": hash,
				"message":     "Reverting: " + commit.Message,
				"executed":    results,
			}
			if len(errs) > 0 {
				response["status"] = "partial"
				msgs := make([]string, len(errs))
				for i, e := range errs {
					msgs[i] = e.Error()
				}
				response["errors"] = msgs
			}
			return Serialize(response), nil
		},
	})

	s.Register(&Descriptor{
		Name:        "show_entity_history",
		Description: "Show recorded versions of an entity within the snapshot retention window.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string"},
				"entity_id": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["entity_type", "entity_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Store == nil || deps.Commits == nil {
				return "", fmt.Errorf("snapshot tracking not available")
			}
			flushPending(ctx, deps)

			entityType, _ := args["entity_type"].(string)
			entityID, _ := args["entity_id"].(string)
			limit := intArg(args, "limit", 10)

			versions, err := deps.Store.SnapshotVersions(ctx, entityType, entityID)
			if err != nil {
				return "", err
			}
			if len(versions) == 0 {
				return Serialize(map[string]string{
					"message": fmt.Sprintf("No snapshots found for %s %s", entityType, entityID),
				}), nil
			}
			if len(versions) > limit {
				versions = versions[:limit]
			}

			type version struct {
				CommitHash    string `json:"commit_hash"`
				Timestamp     string `json:"timestamp"`
				CommitMessage string `json:"commit_message,omitempty"`
				Available     bool   `json:"available"`
			}
			out := make([]version, 0, len(versions))
			for _, v := range versions {
				entry := version{
					CommitHash: v.CommitHash,
					Timestamp:  v.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
				}
				if commit, err := deps.Commits.Get(ctx, v.CommitHash); err == nil {
					entry.CommitMessage = commit.Message
				}
				_, err := deps.Store.Snapshot(ctx, entityType, entityID, v.CommitHash)
				entry.Available = err == nil
				out = append(out, entry)
			}
			return Serialize(out), nil
		},
	})

	s.Register(&Descriptor{
		Name: "restore_entity_version",
		Description: "Restore an entity to its state at a given commit. The commit hash is a " +
			"point-in-time reference; the entity need not have changed in that commit.",
		ReadOnly: false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity_type": {"type": "string"},
				"entity_id": {"type": "string"},
				"commit_hash": {"type": "string"}
			},
			"required": ["entity_type", "entity_id", "commit_hash"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if deps.Reverter == nil || deps.Commits == nil {
				return "", fmt.Errorf("snapshot tracking not available")
			}
			flushPending(ctx, deps)

			entityType, _ := args["entity_type"].(string)
			entityID, _ := args["entity_id"].(string)
			hash, _ := args["commit_hash"].(string)

			snapshot, err := deps.Reverter.ResolveSnapshot(ctx, deps.Commits, entityType, entityID, hash)
			if err != nil {
				return "", err
			}
			result, err := deps.Reverter.RestoreEntity(ctx, entityType, entityID, snapshot)
			if err != nil {
				return "", err
			}
			return Serialize(result), nil
		},
	})

	s.Register(&Descriptor{
		Name:        "diff_objects",
		Description: "Compute a unified diff between two JSON objects.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"before": {"type": "string", "description": "JSON string of the first object"},
				"after": {"type": "string", "description": "JSON string of the second object"}
			},
			"required": ["before", "after"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			before, _ := args["before"].(string)
			after, _ := args["after"].(string)

			beforePretty, err := prettyJSON(before)
			if err != nil {
				return "", fmt.Errorf("invalid JSON in before: %w", err)
			}
			afterPretty, err := prettyJSON(after)
			if err != nil {
				return "", fmt.Errorf("invalid JSON in after: %w", err)
			}

			diff := udiff.Unified("before", "after", beforePretty, afterPretty)
			if diff == "" {
				return "No differences found.", nil
			}
			return Truncate(diff, maxToolOutput), nil
		},
	})
}

// flushPending commits any changes tracked earlier in the run, so history
// queries and reverts see them.
func flushPending(ctx context.Context, deps Deps) {
	if deps.Tracker == nil || deps.Commits == nil || !deps.Tracker.HasChanges() {
		return
	}
	request := deps.UserRequest
	if request == "" {
		request = "auto-flush before history query"
	}
	if _, err := deps.Commits.Commit(ctx, deps.Tracker, deps.ChatID, request); err != nil {
		deps.Logger.Warn("auto-flush commit failed", "error", err)
	}
}

// prettyJSON re-encodes a JSON document with indentation and a trailing
// newline so diffs are stable and readable. Accepts objects and arrays.
func prettyJSON(raw string) (string, error) {
	if !looksLikeJSON(raw) {
		return "", fmt.Errorf("not a JSON document")
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", err
	}
	// Tolerate double-encoded strings the model sometimes produces.
	if s, ok := v.(string); ok && looksLikeJSON(s) {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return "", err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}
