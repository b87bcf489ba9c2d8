package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/store"
)

const (
	// writeRetries bounds optimistic-concurrency retries against the
	// downstream's conditional writes.
	writeRetries = 5

	// writeStagger spaces successive writes to the same downstream so
	// rapid updates do not trip 412 Precondition Failed.
	writeStagger = 500 * time.Millisecond
)

// RevertResult reports the outcome of reverting one entity change.
type RevertResult struct {
	Status     string `json:"status"` // reverted | recreated | deleted | no_changes
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	NewID      string `json:"new_entity_id,omitempty"` // when a delete was reverted by recreation
}

// Reverter applies inverse operations for recorded commits.
//
// Reverts go through the tracked client, so a revert run produces its own
// forward commit whose after-state equals the target's before-state.
type Reverter struct {
	client platform.Client
	store  store.Store
	logger *slog.Logger
}

// NewReverter creates a reverter over the (tracked) tool client.
func NewReverter(client platform.Client, st store.Store, logger *slog.Logger) *Reverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reverter{client: client, store: st, logger: logger}
}

// RevertCommit applies inverse operations for every change in the commit.
// Changes are deduplicated first; successive writes are staggered.
func (r *Reverter) RevertCommit(ctx context.Context, commit *ConfigCommit) ([]RevertResult, []error) {
	changes := Dedupe(commit.Changes)

	var results []RevertResult
	var errs []error
	for i, change := range changes {
		if i > 0 {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return results, errs
			case <-time.After(writeStagger):
			}
		}

		result, err := r.revertChange(ctx, change)
		if err != nil {
			r.logger.Warn("revert failed", "entity", change.EntityType+":"+change.EntityID, "error", err)
			errs = append(errs, fmt.Errorf("revert %s:%s: %w", change.EntityType, change.EntityID, err))
			continue
		}
		results = append(results, result)
	}
	return results, errs
}

// revertChange applies the inverse of one entity change.
func (r *Reverter) revertChange(ctx context.Context, change EntityChange) (RevertResult, error) {
	switch change.Operation {
	case OpCreate:
		return r.revertCreate(ctx, change)
	case OpDelete:
		return r.revertDelete(ctx, change)
	default:
		return r.revertUpdate(ctx, change)
	}
}

// revertUpdate patches the entity back to its before state. Current remote
// state is fetched first so the patch is minimal against what is actually
// there, not against the possibly stale after snapshot.
func (r *Reverter) revertUpdate(ctx context.Context, change EntityChange) (RevertResult, error) {
	if change.Before == nil {
		return RevertResult{}, fmt.Errorf("missing before snapshot")
	}
	return r.RestoreEntity(ctx, change.EntityType, change.EntityID, change.Before)
}

// revertDelete recreates the entity from its before snapshot.
func (r *Reverter) revertDelete(ctx context.Context, change EntityChange) (RevertResult, error) {
	if change.Before == nil {
		return RevertResult{}, fmt.Errorf("missing before snapshot")
	}
	var data map[string]any
	if err := json.Unmarshal(change.Before, &data); err != nil {
		return RevertResult{}, fmt.Errorf("decode before snapshot: %w", err)
	}
	cleaned := make(map[string]any, len(data))
	for k, v := range unwrap(data) {
		if !readOnlyFields[k] {
			cleaned[k] = v
		}
	}

	result, err := r.callWithRetry(ctx, "create_"+change.EntityType, cleaned)
	if err != nil {
		return RevertResult{}, err
	}

	newID := ""
	if m := result.AsMap(); m != nil {
		if v, ok := unwrap(m)["id"]; ok {
			newID = idString(v)
		}
	}
	return RevertResult{
		Status:     "recreated",
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		NewID:      newID,
	}, nil
}

// revertCreate deletes the created entity.
func (r *Reverter) revertCreate(ctx context.Context, change EntityChange) (RevertResult, error) {
	args := map[string]any{change.EntityType + "_id": change.EntityID}
	if _, err := r.callWithRetry(ctx, "delete_"+change.EntityType, args); err != nil {
		return RevertResult{}, err
	}
	return RevertResult{Status: "deleted", EntityType: change.EntityType, EntityID: change.EntityID}, nil
}

// RestoreEntity patches an entity to match the target snapshot, fetching
// current state first and computing the minimal diff.
func (r *Reverter) RestoreEntity(ctx context.Context, entityType, entityID string, target json.RawMessage) (RevertResult, error) {
	current := r.fetchCurrent(ctx, entityType, entityID)

	patch, err := ComputeRevertPatch(target, current)
	if err != nil {
		return RevertResult{}, fmt.Errorf("compute patch: %w", err)
	}
	if len(patch) == 0 {
		return RevertResult{Status: "no_changes", EntityType: entityType, EntityID: entityID}, nil
	}

	args := map[string]any{entityType + "_id": entityID}
	for k, v := range patch {
		args[k] = v
	}
	if _, err := r.callWithRetry(ctx, "update_"+entityType, args); err != nil {
		return RevertResult{}, err
	}
	return RevertResult{Status: "reverted", EntityType: entityType, EntityID: entityID}, nil
}

// ResolveSnapshot finds the entity state at a given commit: the exact
// snapshot if recorded, else the most recent snapshot at or before the
// commit's timestamp, else the before-state of the entity's earliest
// tracked change.
func (r *Reverter) ResolveSnapshot(ctx context.Context, commits *CommitService, entityType, entityID, commitHash string) (json.RawMessage, error) {
	snapshot, err := r.store.Snapshot(ctx, entityType, entityID, commitHash)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	target, err := commits.Get(ctx, commitHash)
	if err != nil {
		return nil, fmt.Errorf("commit %s not found", commitHash)
	}

	versions, err := r.store.SnapshotVersions(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions { // newest first
		if v.Timestamp.After(target.Timestamp) {
			continue
		}
		if snap, err := r.store.Snapshot(ctx, entityType, entityID, v.CommitHash); err == nil {
			return snap, nil
		}
	}

	// Fall back to the pre-change state of the earliest recorded change.
	if len(versions) > 0 {
		earliest := versions[len(versions)-1]
		if commit, err := commits.Get(ctx, earliest.CommitHash); err == nil {
			for _, change := range commit.Changes {
				if change.EntityType == entityType && change.EntityID == entityID && change.Before != nil {
					return change.Before, nil
				}
			}
		}
		return nil, fmt.Errorf("snapshot data for %s %s has expired", entityType, entityID)
	}
	return nil, fmt.Errorf("no snapshot found for %s %s at commit %s", entityType, entityID, commitHash)
}

// fetchCurrent reads the entity's current remote state; nil when the
// getter fails (the patch then restores every non-read-only field).
func (r *Reverter) fetchCurrent(ctx context.Context, entityType, entityID string) json.RawMessage {
	result, err := r.client.Call(ctx, "get_"+entityType, map[string]any{entityType + "_id": entityID})
	if err != nil || result == nil || result.IsError {
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

// callWithRetry invokes a downstream write with optimistic-concurrency
// retry: 412 (and other transient failures) are retried with backoff, up
// to writeRetries attempts. Each attempt re-sends the same arguments; the
// entity is not re-read between attempts.
func (r *Reverter) callWithRetry(ctx context.Context, name string, args map[string]any) (*platform.CallResult, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(writeStagger),
			backoff.WithMaxInterval(5*time.Second),
		), writeRetries-1), ctx)

	var result *platform.CallResult
	operation := func() error {
		res, err := r.client.Call(ctx, name, args)
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.IsError {
			if platform.Retryable(res.Text) {
				r.logger.Debug("transient downstream failure, retrying", "tool", name, "error", res.Text)
				return errors.New(res.Text)
			}
			return backoff.Permanent(errors.New(res.Text))
		}
		result = res
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}
