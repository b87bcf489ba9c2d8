package track

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/log"
	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/store"
)

func TestCommitAndRevertRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake, state := queueServer(t)
	tracker := newTracker(fake)

	// Message 1: patch the queue (commit C1).
	_, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)

	commits := NewCommitService(st, nil, "", log.NewNop())
	c1, err := commits.Commit(ctx, tracker, "chat_1", "turn on automation")
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.NotEmpty(t, c1.Hash)
	assert.Empty(t, c1.Parent)
	assert.Equal(t, "update_queue", c1.Author)

	// Snapshot store has the post-write state under the commit hash.
	snap, err := st.Snapshot(ctx, "queue", "7", c1.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(snap), `"automation":"full"`)

	// Message 2: patch again (commit C2).
	_, err = tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "half"})
	require.NoError(t, err)
	c2, err := commits.Commit(ctx, tracker, "chat_1", "dial automation back")
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, c1.Hash, c2.Parent)

	// Message 3: revert C1 — queue returns to C1.before ("off"); C2 stays
	// in the log; the revert's own writes go through the tracker and so
	// produce a new forward commit C3.
	reverter := NewReverter(tracker, st, log.NewNop())
	results, errs := reverter.RevertCommit(ctx, c1)
	require.Empty(t, errs)
	require.Len(t, results, 1)
	assert.Equal(t, "reverted", results[0].Status)
	assert.Equal(t, "off", (*state)["automation"])

	c3, err := commits.Commit(ctx, tracker, "chat_1", "revert commit "+c1.Hash)
	require.NoError(t, err)
	require.NotNil(t, c3)

	hashes, err := st.CommitHashes(ctx, "chat_1")
	require.NoError(t, err)
	assert.Equal(t, []string{c1.Hash, c2.Hash, c3.Hash}, hashes)
}

func TestRevertOfRevertRestoresOriginalAfter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake, state := queueServer(t)
	tracker := newTracker(fake)
	commits := NewCommitService(st, nil, "", log.NewNop())
	reverter := NewReverter(tracker, st, log.NewNop())

	// Commit C: off -> full.
	_, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)
	c, err := commits.Commit(ctx, tracker, "chat_1", "enable")
	require.NoError(t, err)

	// Revert C: back to off, recorded as forward commit R.
	_, errs := reverter.RevertCommit(ctx, c)
	require.Empty(t, errs)
	require.Equal(t, "off", (*state)["automation"])
	r, err := commits.Commit(ctx, tracker, "chat_1", "revert "+c.Hash)
	require.NoError(t, err)
	require.NotNil(t, r)

	// Revert R: state equals C.after again.
	_, errs = reverter.RevertCommit(ctx, r)
	require.Empty(t, errs)
	assert.Equal(t, "full", (*state)["automation"])
}

func TestRevertCreateDeletesEntity(t *testing.T) {
	ctx := context.Background()
	deleted := false
	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "delete_hook"},
		func(_ context.Context, args map[string]any) (*platform.CallResult, error) {
			assert.Equal(t, "99", args["hook_id"])
			deleted = true
			return platform.OKResult(map[string]any{"status": "deleted"}), nil
		})

	reverter := NewReverter(fake, store.NewMemory(), log.NewNop())
	commit := &ConfigCommit{Changes: []EntityChange{{
		EntityType: "hook", EntityID: "99", Operation: OpCreate,
		After: json.RawMessage(`{"id":99}`),
	}}}

	results, errs := reverter.RevertCommit(ctx, commit)
	require.Empty(t, errs)
	require.Len(t, results, 1)
	assert.Equal(t, "deleted", results[0].Status)
	assert.True(t, deleted)
}

func TestRevertDeleteRecreatesEntity(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "create_hook"},
		func(_ context.Context, args map[string]any) (*platform.CallResult, error) {
			// Read-only fields must not be resubmitted.
			assert.NotContains(t, args, "id")
			assert.NotContains(t, args, "url")
			assert.Equal(t, "Notifier", args["name"])
			return platform.OKResult(map[string]any{"id": float64(100)}), nil
		})

	reverter := NewReverter(fake, store.NewMemory(), log.NewNop())
	commit := &ConfigCommit{Changes: []EntityChange{{
		EntityType: "hook", EntityID: "99", Operation: OpDelete,
		Before: json.RawMessage(`{"id":99,"url":"https://x/hooks/99","name":"Notifier"}`),
	}}}

	results, errs := reverter.RevertCommit(ctx, commit)
	require.Empty(t, errs)
	require.Len(t, results, 1)
	assert.Equal(t, "recreated", results[0].Status)
	assert.Equal(t, "100", results[0].NewID)
}

func TestWriteRetriesOnPreconditionFailed(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32
	state := map[string]any{"id": float64(7), "automation": "full"}

	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "get_queue", ReadOnly: true},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(state), nil
		})
	fake.Register(platform.ToolInfo{Name: "update_queue"},
		func(_ context.Context, args map[string]any) (*platform.CallResult, error) {
			// 412 three times, then succeed — per the boundary scenario.
			if attempts.Add(1) <= 3 {
				return platform.ErrorResult("HTTP 412 Precondition Failed"), nil
			}
			state["automation"] = args["automation"]
			return platform.OKResult(map[string]any{"status": "ok"}), nil
		})

	reverter := NewReverter(fake, store.NewMemory(), log.NewNop())
	result, err := reverter.RestoreEntity(ctx, "queue", "7", json.RawMessage(`{"id":7,"automation":"off"}`))
	require.NoError(t, err)
	assert.Equal(t, "reverted", result.Status)
	assert.Equal(t, "off", state["automation"])
	assert.Equal(t, int32(4), attempts.Load())
}

func TestWriteDoesNotRetryClientErrors(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32

	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "get_queue", ReadOnly: true},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(map[string]any{"id": float64(7), "automation": "x"}), nil
		})
	fake.Register(platform.ToolInfo{Name: "update_queue"},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			attempts.Add(1)
			return platform.ErrorResult("HTTP 400 Bad Request"), nil
		})

	reverter := NewReverter(fake, store.NewMemory(), log.NewNop())
	_, err := reverter.RestoreEntity(ctx, "queue", "7", json.RawMessage(`{"id":7,"automation":"off"}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestResolveSnapshotExactAndUnknownHash(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	commits := NewCommitService(st, nil, "", log.NewNop())
	fake, _ := queueServer(t)
	tracker := newTracker(fake)

	// One tracked change produces a commit + snapshot for queue 7.
	_, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)
	c1, err := commits.Commit(ctx, tracker, "chat_1", "change")
	require.NoError(t, err)

	reverter := NewReverter(tracker, st, log.NewNop())

	// Exact hash resolves directly.
	snap, err := reverter.ResolveSnapshot(ctx, commits, "queue", "7", c1.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(snap), "automation")

	// Unknown commit hash fails cleanly.
	_, err = reverter.ResolveSnapshot(ctx, commits, "queue", "7", "nope")
	assert.Error(t, err)
}

func TestCommitMessageUsesProviderWithFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fake, _ := queueServer(t)
	tracker := newTracker(fake)

	_, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)

	provider := llm.NewScriptedProvider()
	provider.CompleteText = "Enable full automation on Invoices queue"
	commits := NewCommitService(st, provider, "summary-model", log.NewNop())

	commit, err := commits.Commit(ctx, tracker, "chat_1", "turn it on")
	require.NoError(t, err)
	assert.Equal(t, "Enable full automation on Invoices queue", commit.Message)

	// Without a provider the deterministic fallback is used.
	_, err = tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "off"})
	require.NoError(t, err)
	fallbackCommits := NewCommitService(st, nil, "", log.NewNop())
	commit, err = fallbackCommits.Commit(ctx, tracker, "chat_1", "turn it off")
	require.NoError(t, err)
	assert.Equal(t, "update queue", commit.Message)
}

func TestCommitWithNoChangesIsNil(t *testing.T) {
	ctx := context.Background()
	fake, _ := queueServer(t)
	tracker := newTracker(fake)
	commits := NewCommitService(store.NewMemory(), nil, "", log.NewNop())

	commit, err := commits.Commit(ctx, tracker, "chat_1", "nothing happened")
	require.NoError(t, err)
	assert.Nil(t, commit)
}
