package track

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityTypeOf(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"update_queue", "queue"},
		{"get_schema", "schema"},
		{"patch_schema", "schema"},
		{"list_hooks", "hooks"},
		{"prune_schema_fields", "schema"},
		{"create_queue_from_template", "queue"},
		{"search_knowledge_base", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EntityTypeOf(tt.tool), tt.tool)
	}
}

func TestOperationOf(t *testing.T) {
	assert.Equal(t, OpCreate, OperationOf("create_hook"))
	assert.Equal(t, OpUpdate, OperationOf("update_queue"))
	assert.Equal(t, OpUpdate, OperationOf("patch_schema"))
	assert.Equal(t, OpDelete, OperationOf("delete_rule"))
	assert.Equal(t, OpUpdate, OperationOf("prune_schema_fields"))
}

func TestEntityIDOf(t *testing.T) {
	assert.Equal(t, "42", EntityIDOf("queue", map[string]any{"queue_id": float64(42)}))
	assert.Equal(t, "abc", EntityIDOf("queue", map[string]any{"id": "abc"}))
	assert.Empty(t, EntityIDOf("queue", map[string]any{"name": "x"}))
}

func TestEntityNameOf(t *testing.T) {
	assert.Equal(t, "Invoices", EntityNameOf(json.RawMessage(`{"name":"Invoices"}`)))
	assert.Equal(t, "Wrapped", EntityNameOf(json.RawMessage(`{"result":{"label":"Wrapped"}}`)))
	assert.Empty(t, EntityNameOf(json.RawMessage(`{"id":1}`)))
	assert.Empty(t, EntityNameOf(nil))
}

func TestComputeHashDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	changes := []EntityChange{{
		EntityType: "schema",
		EntityID:   "1",
		Operation:  OpUpdate,
		Before:     json.RawMessage(`{"v":1}`),
		After:      json.RawMessage(`{"v":2}`),
	}}

	h1 := ComputeHash(changes, ts)
	h2 := ComputeHash(changes, ts)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 12)

	// Different content hashes differently.
	changes[0].After = json.RawMessage(`{"v":3}`)
	assert.NotEqual(t, h1, ComputeHash(changes, ts))

	// Different timestamp hashes differently.
	changes[0].After = json.RawMessage(`{"v":2}`)
	assert.NotEqual(t, h1, ComputeHash(changes, ts.Add(time.Second)))
}

func TestDedupeKeepsFirstBeforeLastAfter(t *testing.T) {
	changes := []EntityChange{
		{EntityType: "schema", EntityID: "1", Operation: OpUpdate,
			Before: json.RawMessage(`{"v":1}`), After: json.RawMessage(`{"v":2}`)},
		{EntityType: "schema", EntityID: "1", Operation: OpUpdate,
			Before: json.RawMessage(`{"v":2}`), After: json.RawMessage(`{"v":3}`)},
	}

	out := Dedupe(changes)
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"v":1}`, string(out[0].Before))
	assert.JSONEq(t, `{"v":3}`, string(out[0].After))
	assert.Equal(t, OpUpdate, out[0].Operation)
}

func TestDedupeCreateThenUpdateIsCreate(t *testing.T) {
	changes := []EntityChange{
		{EntityType: "hook", EntityID: "5", Operation: OpCreate, After: json.RawMessage(`{"v":1}`)},
		{EntityType: "hook", EntityID: "5", Operation: OpUpdate,
			Before: json.RawMessage(`{"v":1}`), After: json.RawMessage(`{"v":2}`)},
	}

	out := Dedupe(changes)
	require.Len(t, out, 1)
	assert.Equal(t, OpCreate, out[0].Operation)
	assert.Nil(t, out[0].Before)
	assert.JSONEq(t, `{"v":2}`, string(out[0].After))
}

func TestDedupeCreateThenDeleteIsDropped(t *testing.T) {
	changes := []EntityChange{
		{EntityType: "hook", EntityID: "5", Operation: OpCreate, After: json.RawMessage(`{"v":1}`)},
		{EntityType: "hook", EntityID: "5", Operation: OpDelete, Before: json.RawMessage(`{"v":1}`)},
	}

	assert.Empty(t, Dedupe(changes))
}

func TestDedupeLeavesDistinctEntitiesAlone(t *testing.T) {
	changes := []EntityChange{
		{EntityType: "schema", EntityID: "1", Operation: OpUpdate, Before: json.RawMessage(`{}`), After: json.RawMessage(`{"a":1}`)},
		{EntityType: "queue", EntityID: "1", Operation: OpUpdate, Before: json.RawMessage(`{}`), After: json.RawMessage(`{"b":2}`)},
	}
	assert.Len(t, Dedupe(changes), 2)
}

func TestComputeRevertPatch(t *testing.T) {
	before := json.RawMessage(`{"id":1,"name":"old","threshold":0.5,"url":"https://x/1"}`)
	after := json.RawMessage(`{"id":1,"name":"new","threshold":0.5,"url":"https://x/1"}`)

	patch, err := ComputeRevertPatch(before, after)
	require.NoError(t, err)

	// Only the changed, writable field appears.
	assert.Equal(t, map[string]any{"name": "old"}, patch)
}

func TestComputeRevertPatchSkipsReadOnlyFields(t *testing.T) {
	before := json.RawMessage(`{"id":1,"modified_at":"then","name":"same"}`)
	after := json.RawMessage(`{"id":2,"modified_at":"now","name":"same"}`)

	patch, err := ComputeRevertPatch(before, after)
	require.NoError(t, err)
	assert.Empty(t, patch)
}

func TestComputeRevertPatchAgainstEmptyCurrent(t *testing.T) {
	before := json.RawMessage(`{"name":"restore-me","active":true}`)

	patch, err := ComputeRevertPatch(before, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "restore-me", "active": true}, patch)
}
