package track

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/store"
)

// commitMessageMaxLen bounds the LLM-generated commit message, git-style.
const commitMessageMaxLen = 72

// CommitService assembles and persists config commits.
type CommitService struct {
	store    store.Store
	provider llm.Provider // nil disables LLM commit messages
	model    string
	logger   *slog.Logger
}

// NewCommitService creates a commit service. provider may be nil, in which
// case the deterministic fallback message is always used.
func NewCommitService(st store.Store, provider llm.Provider, model string, logger *slog.Logger) *CommitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitService{store: st, provider: provider, model: model, logger: logger}
}

// Commit drains the tracker's changes into a persisted ConfigCommit.
// Returns nil when no writes were tracked.
func (s *CommitService) Commit(ctx context.Context, tracker *Tracker, chatID, userRequest string) (*ConfigCommit, error) {
	if !tracker.HasChanges() {
		return nil, nil
	}
	author := tracker.Author()
	changes := Dedupe(tracker.Drain())
	if len(changes) == 0 {
		return nil, nil
	}

	ts := time.Now().UTC()
	parent := s.latestHash(ctx, chatID)

	commit := &ConfigCommit{
		Hash:        ComputeHash(changes, ts),
		Parent:      parent,
		ChatID:      chatID,
		Timestamp:   ts,
		Message:     s.generateMessage(ctx, changes, userRequest),
		UserRequest: userRequest,
		Author:      author,
		Changes:     changes,
	}

	blob, err := json.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}
	if err := s.store.AppendCommit(ctx, chatID, commit.Hash, blob); err != nil {
		return nil, fmt.Errorf("persist commit: %w", err)
	}

	// Snapshot every entity touched by the commit under its hash so
	// point-in-time restore needs no commit-chain replay.
	for _, change := range changes {
		state := change.After
		if state == nil {
			state = change.Before
		}
		if state == nil {
			continue
		}
		if err := s.store.SaveSnapshot(ctx, change.EntityType, change.EntityID, commit.Hash, ts, state); err != nil {
			s.logger.Warn("saving entity snapshot failed",
				"entity", change.EntityType+":"+change.EntityID, "error", err)
		}
	}

	s.logger.Info("config commit recorded", "hash", commit.Hash, "changes", len(changes), "chat", chatID)
	return commit, nil
}

// Get fetches a commit by hash.
func (s *CommitService) Get(ctx context.Context, hash string) (*ConfigCommit, error) {
	blob, err := s.store.Commit(ctx, hash)
	if err != nil {
		return nil, err
	}
	var commit ConfigCommit
	if err := json.Unmarshal(blob, &commit); err != nil {
		return nil, fmt.Errorf("unmarshal commit %s: %w", hash, err)
	}
	return &commit, nil
}

// List returns recent commits for a chat, newest first.
func (s *CommitService) List(ctx context.Context, chatID string, limit int) ([]*ConfigCommit, error) {
	hashes, err := s.store.CommitHashes(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var commits []*ConfigCommit
	for i := len(hashes) - 1; i >= 0 && len(commits) < limit; i-- {
		commit, err := s.Get(ctx, hashes[i])
		if err != nil {
			continue // expired blob; index entry outlived it
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func (s *CommitService) latestHash(ctx context.Context, chatID string) string {
	hashes, err := s.store.CommitHashes(ctx, chatID)
	if err != nil || len(hashes) == 0 {
		return ""
	}
	return hashes[len(hashes)-1]
}

// generateMessage produces the human-readable commit message via a short
// model call, falling back to a deterministic summary on failure.
func (s *CommitService) generateMessage(ctx context.Context, changes []EntityChange, userRequest string) string {
	fallback := fallbackMessage(changes)
	if s.provider == nil {
		return fallback
	}

	var summary strings.Builder
	for _, c := range changes {
		namePart := ""
		if c.EntityName != "" {
			namePart = " (" + c.EntityName + ")"
		}
		fmt.Fprintf(&summary, "- %s %s %s%s\n", c.Operation, c.EntityType, c.EntityID, namePart)
	}

	prompt := fmt.Sprintf(
		"Write a one-line git commit message (max %d chars) for this config change.\n\n"+
			"User request: %s\n\nChanges:\n%s\n"+
			"Reply with ONLY the commit message, no quotes or prefix.",
		commitMessageMaxLen, userRequest, summary.String())

	genCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	text, _, err := s.provider.Complete(genCtx, &llm.Request{
		Model:     s.model,
		MaxTokens: 150,
		Messages: []llm.Message{{
			Role:   llm.RoleUser,
			Blocks: []llm.Block{{Type: llm.BlockText, Text: prompt}},
		}},
	})
	if err != nil {
		s.logger.Debug("commit message generation failed, using fallback", "error", err)
		return fallback
	}

	message := strings.TrimSpace(text)
	if message == "" {
		return fallback
	}
	if len(message) > commitMessageMaxLen {
		message = message[:commitMessageMaxLen-3] + "..."
	}
	return message
}

// fallbackMessage builds a commit message without the model.
func fallbackMessage(changes []EntityChange) string {
	types := make(map[string]bool)
	ops := make(map[string]bool)
	for _, c := range changes {
		types[c.EntityType] = true
		ops[c.Operation] = true
	}
	return strings.Join(sortedKeys(ops), "/") + " " + strings.Join(sortedKeys(types), ", ")
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
