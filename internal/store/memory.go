package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and as a degraded-mode
// fallback when Redis is unreachable. TTLs are honored lazily on read.
//
// Safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	chats     map[string]ChatMeta
	messages  map[string][]json.RawMessage
	commits   map[string]entry
	chatIndex map[string][]string // chatID -> commit hashes
	snapshots map[string]entry
	snapVers  map[string][]SnapshotVersion // "etype:eid" -> versions, oldest first
	readCache map[string]entry

	// now is replaceable in tests to exercise TTL expiry.
	now func() time.Time
}

type entry struct {
	data      json.RawMessage
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chats:     make(map[string]ChatMeta),
		messages:  make(map[string][]json.RawMessage),
		commits:   make(map[string]entry),
		chatIndex: make(map[string][]string),
		snapshots: make(map[string]entry),
		snapVers:  make(map[string][]SnapshotVersion),
		readCache: make(map[string]entry),
		now:       time.Now,
	}
}

// SetClock replaces the store's clock. Test-only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateChat(_ context.Context, meta ChatMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[meta.ID] = meta
	return nil
}

func (m *Memory) Chat(_ context.Context, id string) (*ChatMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := meta
	return &out, nil
}

func (m *Memory) UpdateChat(_ context.Context, meta ChatMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[meta.ID] = meta
	return nil
}

func (m *Memory) ListChats(_ context.Context) ([]ChatMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats := make([]ChatMeta, 0, len(m.chats))
	for _, meta := range m.chats {
		chats = append(chats, meta)
	}
	sortChatsNewestFirst(chats)
	return chats, nil
}

func (m *Memory) DeleteChat(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chats[id]
	delete(m.chats, id)
	delete(m.messages, id)
	delete(m.chatIndex, id)
	return ok, nil
}

func (m *Memory) ReplaceMessages(_ context.Context, chatID string, msgs []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]json.RawMessage, len(msgs))
	copy(cp, msgs)
	m.messages[chatID] = cp
	return nil
}

func (m *Memory) Messages(_ context.Context, chatID string) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[chatID]
	cp := make([]json.RawMessage, len(msgs))
	copy(cp, msgs)
	return cp, nil
}

func (m *Memory) AppendCommit(_ context.Context, chatID, hash string, blob json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[hash] = entry{data: blob, expiresAt: m.now().Add(CommitTTL)}
	m.chatIndex[chatID] = append(m.chatIndex[chatID], hash)
	return nil
}

func (m *Memory) Commit(_ context.Context, hash string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.commits[hash]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	return e.data, nil
}

func (m *Memory) CommitHashes(_ context.Context, chatID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hashes := m.chatIndex[chatID]
	cp := make([]string, len(hashes))
	copy(cp, hashes)
	return cp, nil
}

func snapMemKey(et, eid, hash string) string { return et + ":" + eid + ":" + hash }
func versMemKey(et, eid string) string       { return et + ":" + eid }

func (m *Memory) SaveSnapshot(_ context.Context, entityType, entityID, hash string, ts time.Time, blob json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapMemKey(entityType, entityID, hash)] = entry{
		data:      blob,
		expiresAt: m.now().Add(SnapshotTTL),
	}
	key := versMemKey(entityType, entityID)
	m.snapVers[key] = append(m.snapVers[key], SnapshotVersion{CommitHash: hash, Timestamp: ts})
	return nil
}

func (m *Memory) Snapshot(_ context.Context, entityType, entityID, hash string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.snapshots[snapMemKey(entityType, entityID, hash)]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	return e.data, nil
}

func (m *Memory) SnapshotVersions(_ context.Context, entityType, entityID string) ([]SnapshotVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vers := m.snapVers[versMemKey(entityType, entityID)]
	// Stored oldest first; return newest first like the Redis sorted set.
	out := make([]SnapshotVersion, 0, len(vers))
	for i := len(vers) - 1; i >= 0; i-- {
		out = append(out, vers[i])
	}
	return out, nil
}

func (m *Memory) CacheRead(_ context.Context, chatID, entityType, entityID string, blob json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chatID + ":" + entityType + ":" + entityID
	m.readCache[key] = entry{data: blob, expiresAt: m.now().Add(ReadCacheTTL)}
	return nil
}

func (m *Memory) CachedRead(_ context.Context, chatID, entityType, entityID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := chatID + ":" + entityType + ":" + entityID
	e, ok := m.readCache[key]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	return e.data, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

var _ Store = (*Memory)(nil)
