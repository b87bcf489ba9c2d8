package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backed by a Redis server.
// Safe for concurrent use; go-redis serializes per-connection and the key
// layout gives each chat its own keys.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Store connected to the given address.
func NewRedis(addr string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Redis{client: client, logger: logger}
}

func chatKey(id string) string     { return "chat:" + id }
func msgsKey(id string) string     { return "chat:" + id + ":msgs" }
func commitsKey(id string) string  { return "chat:" + id + ":commits" }
func commitKey(hash string) string { return "commit:" + hash }

func snapKey(et, eid, hash string) string { return "snap:" + et + ":" + eid + ":" + hash }
func snapVersKey(et, eid string) string   { return "snapvers:" + et + ":" + eid }

func readCacheKey(chatID, et, eid string) string {
	return "readcache:" + chatID + ":" + et + ":" + eid
}

// CreateChat persists chat metadata under chat:{id}.
func (s *Redis) CreateChat(ctx context.Context, meta ChatMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal chat meta: %w", err)
	}
	if err := s.client.Set(ctx, chatKey(meta.ID), data, ChatTTL).Err(); err != nil {
		return fmt.Errorf("set chat %s: %w", meta.ID, err)
	}
	return nil
}

// Chat fetches chat metadata. Returns ErrNotFound for unknown or expired ids.
func (s *Redis) Chat(ctx context.Context, id string) (*ChatMeta, error) {
	data, err := s.client.Get(ctx, chatKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	var meta ChatMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal chat %s: %w", id, err)
	}
	return &meta, nil
}

// UpdateChat overwrites chat metadata and refreshes the retention TTL on the
// metadata and transcript keys.
func (s *Redis) UpdateChat(ctx context.Context, meta ChatMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal chat meta: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, chatKey(meta.ID), data, ChatTTL)
	pipe.Expire(ctx, msgsKey(meta.ID), ChatTTL)
	pipe.Expire(ctx, commitsKey(meta.ID), ChatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update chat %s: %w", meta.ID, err)
	}
	return nil
}

// ListChats scans chat metadata keys and returns them newest first.
// SCAN is cursor-based so large keyspaces do not block the server.
func (s *Redis) ListChats(ctx context.Context) ([]ChatMeta, error) {
	var chats []ChatMeta
	iter := s.client.Scan(ctx, 0, "chat:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Skip the :msgs / :commits companions picked up by the pattern.
		if strings.HasSuffix(key, ":msgs") || strings.HasSuffix(key, ":commits") {
			continue
		}
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var meta ChatMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("skipping malformed chat metadata", "key", key, "error", err)
			continue
		}
		chats = append(chats, meta)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan chats: %w", err)
	}
	sortChatsNewestFirst(chats)
	return chats, nil
}

// DeleteChat removes the chat, its transcript, and its commit index.
// Commit blobs and snapshots are left to expire on their own TTLs so
// change history survives chat deletion within the retention window.
func (s *Redis) DeleteChat(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, chatKey(id), msgsKey(id), commitsKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete chat %s: %w", id, err)
	}
	return n > 0, nil
}

// ReplaceMessages atomically rewrites the transcript list for a chat.
// The agent persists the full folded history after each run, so replace
// rather than append keeps the stored transcript canonical.
func (s *Redis) ReplaceMessages(ctx context.Context, chatID string, msgs []json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, msgsKey(chatID))
	if len(msgs) > 0 {
		vals := make([]any, len(msgs))
		for i, m := range msgs {
			vals[i] = []byte(m)
		}
		pipe.RPush(ctx, msgsKey(chatID), vals...)
	}
	pipe.Expire(ctx, msgsKey(chatID), ChatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace messages for %s: %w", chatID, err)
	}
	return nil
}

// Messages returns the transcript list in insertion order.
func (s *Redis) Messages(ctx context.Context, chatID string) ([]json.RawMessage, error) {
	vals, err := s.client.LRange(ctx, msgsKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange messages for %s: %w", chatID, err)
	}
	msgs := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		msgs[i] = json.RawMessage(v)
	}
	return msgs, nil
}

// AppendCommit stores the commit blob and appends its hash to the chat's
// commit index.
func (s *Redis) AppendCommit(ctx context.Context, chatID, hash string, blob json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, commitKey(hash), []byte(blob), CommitTTL)
	pipe.RPush(ctx, commitsKey(chatID), hash)
	pipe.Expire(ctx, commitsKey(chatID), CommitTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append commit %s for %s: %w", hash, chatID, err)
	}
	return nil
}

// Commit fetches a commit blob by hash.
func (s *Redis) Commit(ctx context.Context, hash string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, commitKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", hash, err)
	}
	return json.RawMessage(data), nil
}

// CommitHashes returns the chat's commit hashes in commit order.
func (s *Redis) CommitHashes(ctx context.Context, chatID string) ([]string, error) {
	hashes, err := s.client.LRange(ctx, commitsKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange commits for %s: %w", chatID, err)
	}
	return hashes, nil
}

// SaveSnapshot stores an entity snapshot under (entity_type, entity_id, hash)
// with the 7-day retention TTL, and records the version in the index.
func (s *Redis) SaveSnapshot(ctx context.Context, entityType, entityID, hash string, ts time.Time, blob json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapKey(entityType, entityID, hash), []byte(blob), SnapshotTTL)
	pipe.ZAdd(ctx, snapVersKey(entityType, entityID), redis.Z{
		Score:  float64(ts.Unix()),
		Member: hash,
	})
	pipe.Expire(ctx, snapVersKey(entityType, entityID), SnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot %s:%s@%s: %w", entityType, entityID, hash, err)
	}
	return nil
}

// Snapshot fetches an entity snapshot by (entity_type, entity_id, hash).
func (s *Redis) Snapshot(ctx context.Context, entityType, entityID, hash string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, snapKey(entityType, entityID, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s:%s@%s: %w", entityType, entityID, hash, err)
	}
	return json.RawMessage(data), nil
}

// SnapshotVersions lists recorded versions of an entity, newest first.
func (s *Redis) SnapshotVersions(ctx context.Context, entityType, entityID string) ([]SnapshotVersion, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, snapVersKey(entityType, entityID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange versions %s:%s: %w", entityType, entityID, err)
	}
	versions := make([]SnapshotVersion, 0, len(results))
	for _, z := range results {
		hash, ok := z.Member.(string)
		if !ok {
			hash = fmt.Sprint(z.Member)
		}
		versions = append(versions, SnapshotVersion{
			CommitHash: hash,
			Timestamp:  time.Unix(int64(z.Score), 0).UTC(),
		})
	}
	return versions, nil
}

// CacheRead stores a downstream read result for later pre-write snapshots.
func (s *Redis) CacheRead(ctx context.Context, chatID, entityType, entityID string, blob json.RawMessage) error {
	if err := s.client.Set(ctx, readCacheKey(chatID, entityType, entityID), []byte(blob), ReadCacheTTL).Err(); err != nil {
		return fmt.Errorf("cache read %s:%s for %s: %w", entityType, entityID, chatID, err)
	}
	return nil
}

// CachedRead fetches a cached downstream read result.
func (s *Redis) CachedRead(ctx context.Context, chatID, entityType, entityID string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, readCacheKey(chatID, entityType, entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached read %s:%s for %s: %w", entityType, entityID, chatID, err)
	}
	return json.RawMessage(data), nil
}

// Ping checks store connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client's connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}

// statically assert interface compliance
var _ Store = (*Redis)(nil)
