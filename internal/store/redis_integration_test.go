package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbridge-ai/agent/internal/log"
)

// redisStore connects to the Redis instance named by REDIS_ADDR, or skips.
func redisStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration tests")
	}
	s := NewRedis(addr, log.NewNop())
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Ping(ctx))
	return s
}

func TestRedisChatRoundTrip(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	id := fmt.Sprintf("chat_it_%d", time.Now().UnixNano())
	meta := ChatMeta{ID: id, CreatedAt: time.Now().UTC().Truncate(time.Second), Mode: "read-write", Persona: "cautious"}
	require.NoError(t, s.CreateChat(ctx, meta))
	defer func() { _, _ = s.DeleteChat(ctx, id) }()

	got, err := s.Chat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, meta.Mode, got.Mode)
	assert.Equal(t, meta.Persona, got.Persona)

	msgs := []json.RawMessage{json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)}
	require.NoError(t, s.ReplaceMessages(ctx, id, msgs))

	gotMsgs, err := s.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, gotMsgs, 2)
	assert.JSONEq(t, `{"n":2}`, string(gotMsgs[1]))

	deleted, err := s.DeleteChat(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Chat(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCommitAndSnapshot(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	chatID := fmt.Sprintf("chat_it_%d", time.Now().UnixNano())
	hash := fmt.Sprintf("h%d", time.Now().UnixNano())

	require.NoError(t, s.AppendCommit(ctx, chatID, hash, json.RawMessage(`{"message":"test"}`)))
	defer func() { _, _ = s.DeleteChat(ctx, chatID) }()

	hashes, err := s.CommitHashes(ctx, chatID)
	require.NoError(t, err)
	assert.Contains(t, hashes, hash)

	blob, err := s.Commit(ctx, hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"test"}`, string(blob))

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveSnapshot(ctx, "schema", "999999", hash, ts, json.RawMessage(`{"content":[]}`)))

	snap, err := s.Snapshot(ctx, "schema", "999999", hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[]}`, string(snap))

	vers, err := s.SnapshotVersions(ctx, "schema", "999999")
	require.NoError(t, err)
	require.NotEmpty(t, vers)
	assert.Equal(t, hash, vers[0].CommitHash)
}
