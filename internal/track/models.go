// Package track records configuration changes made through write tools as
// an append-only commit log with point-in-time entity snapshots.
//
// Change tracking is a cross-cutting concern: the Tracker wraps the
// downstream tool client so every write is intercepted in one place —
// pre-read for the before snapshot, the write itself, post-read for the
// after snapshot. Reads are cached transparently so pre-reads are usually
// free. At the end of a run with at least one change, a ConfigCommit is
// assembled, content-addressed, summarized by a short model call, and
// persisted together with per-entity snapshots.
package track

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Operations recorded per entity change.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// EntityChange is one entity-level change within a commit.
type EntityChange struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EntityName string          `json:"entity_name"`
	Operation  string          `json:"operation"`
	Before     json.RawMessage `json:"before,omitempty"` // nil for creates
	After      json.RawMessage `json:"after,omitempty"`  // nil for deletes
}

// ConfigCommit is an atomic record of the entity writes produced by one
// agent run. Never mutated once persisted; reverts append new commits.
type ConfigCommit struct {
	Hash        string         `json:"hash"`
	Parent      string         `json:"parent,omitempty"`
	ChatID      string         `json:"chat_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	UserRequest string         `json:"user_request"`
	Author      string         `json:"author"` // tool name that produced the first mutation
	Changes     []EntityChange `json:"changes"`
}

// ComputeHash content-addresses a commit over its ordered
// (entity_type, entity_id, before, after) tuples and timestamp.
func ComputeHash(changes []EntityChange, ts time.Time) string {
	type tuple struct {
		EntityType string          `json:"entity_type"`
		EntityID   string          `json:"entity_id"`
		Operation  string          `json:"operation"`
		Before     json.RawMessage `json:"before"`
		After      json.RawMessage `json:"after"`
	}
	payload := struct {
		Timestamp string  `json:"timestamp"`
		Changes   []tuple `json:"changes"`
	}{Timestamp: ts.UTC().Format(time.RFC3339Nano)}
	for _, c := range changes {
		payload.Changes = append(payload.Changes, tuple{
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Operation:  c.Operation,
			Before:     c.Before,
			After:      c.After,
		})
	}
	data, _ := json.Marshal(payload) // struct of marshalable fields cannot fail
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Tool-name classification. The downstream tool server follows a prefix
// convention; the overrides cover tools that do not.
var (
	writePrefixes = []string{"create_", "update_", "delete_", "patch_"}
	readPrefixes  = []string{"get_", "list_"}

	operationByPrefix = map[string]string{
		"create_": OpCreate,
		"update_": OpUpdate,
		"patch_":  OpUpdate,
		"delete_": OpDelete,
	}

	toolOverrides = map[string]struct {
		entityType string
		operation  string
	}{
		"prune_schema_fields":        {"schema", OpUpdate},
		"create_queue_from_template": {"queue", OpCreate},
		"create_hook_from_template":  {"hook", OpCreate},
	}
)

// EntityTypeOf extracts the entity type from a tool name
// (e.g. "update_queue" -> "queue"). Empty when unrecognized.
func EntityTypeOf(toolName string) string {
	if o, ok := toolOverrides[toolName]; ok {
		return o.entityType
	}
	for _, prefix := range append(append([]string{}, writePrefixes...), readPrefixes...) {
		if strings.HasPrefix(toolName, prefix) {
			return strings.TrimPrefix(toolName, prefix)
		}
	}
	return ""
}

// OperationOf classifies the write operation of a tool name.
func OperationOf(toolName string) string {
	if o, ok := toolOverrides[toolName]; ok {
		return o.operation
	}
	for prefix, op := range operationByPrefix {
		if strings.HasPrefix(toolName, prefix) {
			return op
		}
	}
	return OpUpdate
}

// EntityIDOf extracts the entity id from tool arguments, preferring the
// "{type}_id" convention, then a bare "id".
func EntityIDOf(entityType string, args map[string]any) string {
	if v, ok := args[entityType+"_id"]; ok {
		return idString(v)
	}
	if v, ok := args["id"]; ok {
		return idString(v)
	}
	return ""
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		// JSON numbers decode to float64; entity ids are integral.
		return strings.TrimSuffix(strings.TrimSuffix(jsonNumber(id), ".0"), ".")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(data), `"`)
	}
}

func jsonNumber(f float64) string {
	data, _ := json.Marshal(f)
	return string(data)
}

// EntityNameOf extracts a human-readable name from an entity blob.
func EntityNameOf(blob json.RawMessage) string {
	if len(blob) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return ""
	}
	m = unwrap(m)
	for _, key := range []string{"name", "label", "title", "subject"} {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// unwrap tolerates a {"result": {...}} wrapper around entity payloads.
func unwrap(m map[string]any) map[string]any {
	if inner, ok := m["result"].(map[string]any); ok {
		return inner
	}
	return m
}

// Dedupe collapses multiple changes to the same entity into one: first-seen
// before + last-seen after, with the net operation derived from the
// sequence. Entities created and then deleted in the same run net to
// nothing and are dropped.
func Dedupe(changes []EntityChange) []EntityChange {
	seen := make(map[string]int)
	var result []EntityChange
	for _, change := range changes {
		key := change.EntityType + ":" + change.EntityID
		if idx, ok := seen[key]; ok {
			existing := result[idx]
			name := change.EntityName
			if name == "" {
				name = existing.EntityName
			}
			result[idx] = EntityChange{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				EntityName: name,
				Operation:  collapsedOperation(existing.Operation, change.Operation),
				Before:     existing.Before,
				After:      change.After,
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, change)
	}

	out := result[:0]
	for _, c := range result {
		if c.Before != nil || c.After != nil {
			out = append(out, c)
		}
	}
	return out
}

// collapsedOperation derives the net operation of an operation sequence on
// one entity.
func collapsedOperation(first, last string) string {
	if first == last {
		return first
	}
	if first == OpCreate {
		if last == OpUpdate {
			return OpCreate
		}
		return OpDelete
	}
	if first == OpUpdate && last == OpDelete {
		return OpDelete
	}
	return last
}

// readOnlyFields are excluded from revert patches: the platform manages
// them and rejects writes that include them.
var readOnlyFields = map[string]bool{
	"url":         true,
	"id":          true,
	"organization": true,
	"created_at":  true,
	"modified_at": true,
	"modified_by": true,
	"created_by":  true,
}

// ComputeRevertPatch returns the minimal field set that moves an entity
// from the after state back to the before state.
func ComputeRevertPatch(before, after json.RawMessage) (map[string]any, error) {
	var beforeMap, afterMap map[string]any
	if err := json.Unmarshal(before, &beforeMap); err != nil {
		return nil, err
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &afterMap); err != nil {
			return nil, err
		}
	}
	beforeMap = unwrap(beforeMap)
	afterMap = unwrap(afterMap)

	patch := make(map[string]any)
	keys := make([]string, 0, len(beforeMap))
	for k := range beforeMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if readOnlyFields[k] {
			continue
		}
		if !jsonEqual(beforeMap[k], afterMap[k]) {
			patch[k] = beforeMap[k]
		}
	}
	return patch, nil
}

func jsonEqual(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}
