package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/store"
)

// Tracker wraps the downstream tool client with change-tracking
// interception. It implements platform.Client so the dispatcher is unaware
// of the tracking layer.
//
// Write calls get a pre-read (cache first, getter fallback) for the before
// snapshot and a post-read for the after snapshot; read calls populate the
// cache. Accumulated changes are drained by the commit service at the end
// of a run.
//
// Safe for concurrent use: parallel tool dispatch funnels through one
// Tracker per run.
type Tracker struct {
	inner      platform.Client
	store      store.Store // nil disables the persistent read cache
	chatID     string
	writeTools map[string]bool
	logger     *slog.Logger

	mu      sync.Mutex
	changes []EntityChange
	author  string
	local   map[string]json.RawMessage // fallback read cache when store is nil
}

// NewTracker wraps client with change tracking for one chat run.
// writeTools is the set of tool names with read_only=false.
func NewTracker(client platform.Client, st store.Store, chatID string, writeTools map[string]bool, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		inner:      client,
		store:      st,
		chatID:     chatID,
		writeTools: writeTools,
		logger:     logger,
		local:      make(map[string]json.RawMessage),
	}
}

// Tools implements platform.Client.
func (t *Tracker) Tools(ctx context.Context) ([]platform.ToolInfo, error) {
	return t.inner.Tools(ctx)
}

// Catalog implements platform.Client.
func (t *Tracker) Catalog(ctx context.Context) ([]platform.Category, error) {
	return t.inner.Catalog(ctx)
}

// Close implements platform.Client.
func (t *Tracker) Close() error {
	return t.inner.Close()
}

// Call implements platform.Client with interception.
func (t *Tracker) Call(ctx context.Context, name string, args map[string]any) (*platform.CallResult, error) {
	if t.writeTools[name] {
		return t.handleWrite(ctx, name, args)
	}

	result, err := t.inner.Call(ctx, name, args)
	if err == nil && result != nil && !result.IsError {
		t.tryCacheRead(ctx, name, args, result)
	}
	return result, err
}

// handleWrite performs the pre-read / write / post-read sequence and
// records the entity change.
func (t *Tracker) handleWrite(ctx context.Context, name string, args map[string]any) (*platform.CallResult, error) {
	entityType := EntityTypeOf(name)
	entityID := ""
	if entityType != "" {
		entityID = EntityIDOf(entityType, args)
	}
	operation := OperationOf(name)

	var before json.RawMessage
	if entityType != "" && entityID != "" && operation != OpCreate {
		before = t.beforeSnapshot(ctx, entityType, entityID)
	}

	result, err := t.inner.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		// Failed writes change nothing; surface the result untouched.
		return result, nil
	}

	after, entityID := t.afterSnapshot(ctx, operation, entityType, entityID, result)

	if entityType != "" && entityID != "" {
		if after != nil {
			t.cacheSet(ctx, entityType, entityID, after)
		}
		entityName := EntityNameOf(before)
		if entityName == "" {
			entityName = EntityNameOf(after)
		}
		t.record(EntityChange{
			EntityType: entityType,
			EntityID:   entityID,
			EntityName: entityName,
			Operation:  operation,
			Before:     before,
			After:      after,
		}, name)
		t.logger.Debug("tracked change", "operation", operation, "entity", entityType+":"+entityID)
	} else {
		t.logger.Warn("could not identify entity for write tool", "tool", name)
	}
	return result, nil
}

func (t *Tracker) record(change EntityChange, toolName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.author == "" {
		t.author = toolName
	}
	t.changes = append(t.changes, change)
}

// beforeSnapshot returns the entity state prior to a write: the cached
// read when present, else a fresh getter call.
func (t *Tracker) beforeSnapshot(ctx context.Context, entityType, entityID string) json.RawMessage {
	if cached := t.cacheGet(ctx, entityType, entityID); cached != nil {
		return cached
	}
	snapshot := t.fetchSnapshot(ctx, entityType, entityID)
	if snapshot != nil {
		t.cacheSet(ctx, entityType, entityID, snapshot)
	}
	return snapshot
}

// afterSnapshot resolves the post-write state. Creates take the write
// result itself (which also yields the new entity id); deletes have no
// after state; updates re-read the entity.
func (t *Tracker) afterSnapshot(ctx context.Context, operation, entityType, entityID string, result *platform.CallResult) (json.RawMessage, string) {
	switch operation {
	case OpCreate:
		m := result.AsMap()
		if m == nil {
			return nil, entityID
		}
		if entityID == "" {
			inner := unwrap(m)
			if v, ok := inner["id"]; ok {
				entityID = idString(v)
			} else if v, ok := inner[entityType+"_id"]; ok {
				entityID = idString(v)
			}
		}
		blob, err := json.Marshal(m)
		if err != nil {
			return nil, entityID
		}
		return blob, entityID
	case OpDelete:
		return nil, entityID
	default:
		if entityType == "" || entityID == "" {
			return nil, entityID
		}
		return t.fetchSnapshot(ctx, entityType, entityID), entityID
	}
}

// fetchSnapshot reads the current entity state via its getter tool.
func (t *Tracker) fetchSnapshot(ctx context.Context, entityType, entityID string) json.RawMessage {
	args := map[string]any{entityType + "_id": entityID}
	result, err := t.inner.Call(ctx, "get_"+entityType, args)
	if err != nil || result == nil || result.IsError {
		t.logger.Debug("snapshot fetch failed", "entity", entityType+":"+entityID, "error", err)
		return nil
	}
	m := result.AsMap()
	if m == nil {
		return nil
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return blob
}

// tryCacheRead caches a read result when it looks like a single-entity get.
func (t *Tracker) tryCacheRead(ctx context.Context, name string, args map[string]any, result *platform.CallResult) {
	entityType := EntityTypeOf(name)
	if entityType == "" {
		return
	}
	m := result.AsMap()
	if m == nil {
		return
	}
	entityID := EntityIDOf(entityType, args)
	if entityID == "" && len(name) > 4 && name[:4] == "get_" {
		if v, ok := unwrap(m)["id"]; ok {
			entityID = idString(v)
		}
	}
	if entityID == "" {
		return
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return
	}
	t.cacheSet(ctx, entityType, entityID, blob)
}

func (t *Tracker) cacheGet(ctx context.Context, entityType, entityID string) json.RawMessage {
	if t.store != nil {
		blob, err := t.store.CachedRead(ctx, t.chatID, entityType, entityID)
		if err == nil {
			return blob
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Debug("read cache get failed", "error", err)
		}
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local[entityType+":"+entityID]
}

func (t *Tracker) cacheSet(ctx context.Context, entityType, entityID string, blob json.RawMessage) {
	if t.store != nil {
		if err := t.store.CacheRead(ctx, t.chatID, entityType, entityID, blob); err != nil {
			t.logger.Debug("read cache set failed", "error", err)
		}
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[entityType+":"+entityID] = blob
}

// HasChanges reports whether any write was intercepted.
func (t *Tracker) HasChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) > 0
}

// Changes returns a copy of the tracked changes.
func (t *Tracker) Changes() []EntityChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EntityChange, len(t.changes))
	copy(out, t.changes)
	return out
}

// Author returns the tool-derived author label of the first mutation.
func (t *Tracker) Author() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.author
}

// Drain returns the tracked changes and clears them (after committing).
func (t *Tracker) Drain() []EntityChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.changes
	t.changes = nil
	t.author = ""
	return out
}

var _ platform.Client = (*Tracker)(nil)

// String implements Stringer for debug logging.
func (t *Tracker) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Tracker{chat=%s, changes=%d}", t.chatID, len(t.changes))
}
