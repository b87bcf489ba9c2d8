package track

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbridge-ai/agent/internal/log"
	"github.com/docbridge-ai/agent/internal/platform"
	"github.com/docbridge-ai/agent/internal/store"
)

// queueServer builds a fake platform with a mutable queue entity.
func queueServer(t *testing.T) (*platform.Fake, *map[string]any) {
	t.Helper()
	state := map[string]any{"id": float64(7), "name": "Invoices", "automation": "off"}

	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "get_queue", ReadOnly: true},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			cp := make(map[string]any, len(state))
			for k, v := range state {
				cp[k] = v
			}
			return platform.OKResult(cp), nil
		})
	fake.Register(platform.ToolInfo{Name: "update_queue"},
		func(_ context.Context, args map[string]any) (*platform.CallResult, error) {
			for k, v := range args {
				if k != "queue_id" {
					state[k] = v
				}
			}
			return platform.OKResult(map[string]any{"status": "ok"}), nil
		})
	return fake, &state
}

func newTracker(fake *platform.Fake) *Tracker {
	return NewTracker(fake, store.NewMemory(), "chat_1",
		map[string]bool{"update_queue": true, "create_hook": true, "delete_hook": true}, log.NewNop())
}

func TestWriteInterceptionRecordsBeforeAndAfter(t *testing.T) {
	ctx := context.Background()
	fake, _ := queueServer(t)
	tracker := newTracker(fake)

	result, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	changes := tracker.Changes()
	require.Len(t, changes, 1)
	c := changes[0]
	assert.Equal(t, "queue", c.EntityType)
	assert.Equal(t, "7", c.EntityID)
	assert.Equal(t, "Invoices", c.EntityName)
	assert.Equal(t, OpUpdate, c.Operation)
	assert.Contains(t, string(c.Before), `"automation":"off"`)
	assert.Contains(t, string(c.After), `"automation":"full"`)

	// Pre-read + write + post-read.
	assert.Len(t, fake.CallsTo("get_queue"), 2)
	assert.Len(t, fake.CallsTo("update_queue"), 1)
}

func TestReadsPopulateCacheAndSkipPreRead(t *testing.T) {
	ctx := context.Background()
	fake, _ := queueServer(t)
	tracker := newTracker(fake)

	// A read in read-write mode caches the entity...
	_, err := tracker.Call(ctx, "get_queue", map[string]any{"queue_id": float64(7)})
	require.NoError(t, err)

	// ...so the subsequent write needs no extra pre-read GET.
	_, err = tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)

	// 1 user read + 1 post-write read; no pre-read.
	assert.Len(t, fake.CallsTo("get_queue"), 2)

	changes := tracker.Changes()
	require.Len(t, changes, 1)
	assert.Contains(t, string(changes[0].Before), `"automation":"off"`)
}

func TestCreateTracksResultAsAfter(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "create_hook"},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(map[string]any{"id": float64(99), "name": "Notifier"}), nil
		})
	tracker := newTracker(fake)

	_, err := tracker.Call(ctx, "create_hook", map[string]any{"name": "Notifier"})
	require.NoError(t, err)

	changes := tracker.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, OpCreate, changes[0].Operation)
	assert.Equal(t, "99", changes[0].EntityID)
	assert.Nil(t, changes[0].Before)
	assert.Contains(t, string(changes[0].After), "Notifier")
}

func TestDeleteTracksBeforeOnly(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFake()
	fake.Register(platform.ToolInfo{Name: "get_hook", ReadOnly: true},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(map[string]any{"id": float64(3), "name": "Doomed"}), nil
		})
	fake.Register(platform.ToolInfo{Name: "delete_hook"},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.OKResult(map[string]any{"status": "deleted"}), nil
		})
	tracker := newTracker(fake)

	_, err := tracker.Call(ctx, "delete_hook", map[string]any{"hook_id": float64(3)})
	require.NoError(t, err)

	changes := tracker.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, OpDelete, changes[0].Operation)
	assert.Contains(t, string(changes[0].Before), "Doomed")
	assert.Nil(t, changes[0].After)
}

func TestFailedWriteTracksNothing(t *testing.T) {
	ctx := context.Background()
	fake, _ := queueServer(t)
	fake.Register(platform.ToolInfo{Name: "update_queue"},
		func(context.Context, map[string]any) (*platform.CallResult, error) {
			return platform.ErrorResult("HTTP 400 Bad Request"), nil
		})
	tracker := newTracker(fake)

	result, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "x"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.False(t, tracker.HasChanges())
}

func TestDrainClearsChanges(t *testing.T) {
	ctx := context.Background()
	fake, _ := queueServer(t)
	tracker := newTracker(fake)

	_, err := tracker.Call(ctx, "update_queue", map[string]any{"queue_id": float64(7), "automation": "full"})
	require.NoError(t, err)
	require.True(t, tracker.HasChanges())
	assert.Equal(t, "update_queue", tracker.Author())

	drained := tracker.Drain()
	assert.Len(t, drained, 1)
	assert.False(t, tracker.HasChanges())
	assert.Empty(t, tracker.Drain())
}
