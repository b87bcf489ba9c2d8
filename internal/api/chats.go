package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docbridge-ai/agent/internal/agent"
	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/store"
)

// List pagination bounds.
const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxListOffset    = 100000

	previewMaxLen = 100
)

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	Mode    string `json:"mode,omitempty"`
	Persona string `json:"persona,omitempty"`
}

// CreateChatResponse is returned on chat creation.
type CreateChatResponse struct {
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is one entry of the chat list.
type ChatSummary struct {
	ChatID       string    `json:"chat_id"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview,omitempty"`
	Mode         string    `json:"mode"`
	Persona      string    `json:"persona"`
}

// ChatListResponse is the body of GET /chats.
type ChatListResponse struct {
	Chats  []ChatSummary `json:"chats"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ChatDetailResponse is the body of GET /chats/{id}.
type ChatDetailResponse struct {
	ChatID    string                 `json:"chat_id"`
	CreatedAt time.Time              `json:"created_at"`
	Mode      string                 `json:"mode"`
	Persona   string                 `json:"persona"`
	Messages  []agent.DisplayMessage `json:"messages"`
	Files     []FileInfo             `json:"files"`
}

// DeleteResponse is the body of DELETE /chats/{id}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// CancelResponse is the body of POST /chats/{id}/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func newChatID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("chat_%s_%s", now.UTC().Format("20060102150405"), suffix)
}

func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	if !s.createLimits.Allow(limiterKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "chat creation rate limit exceeded")
		return
	}

	var req CreateChatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = s.cfg.Mode
	}
	if mode != config.ModeReadOnly && mode != config.ModeReadWrite {
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode must be read-only or read-write")
		return
	}
	persona := req.Persona
	if persona == "" {
		persona = s.cfg.Persona
	}
	if persona != config.PersonaDefault && persona != config.PersonaCautious {
		writeError(w, http.StatusBadRequest, "invalid_persona", "persona must be default or cautious")
		return
	}

	now := time.Now().UTC()
	meta := store.ChatMeta{
		ID:        newChatID(now),
		CreatedAt: now,
		Mode:      mode,
		Persona:   persona,
	}
	if err := s.store.CreateChat(r.Context(), meta); err != nil {
		s.logger.Error("creating chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to create chat")
		return
	}

	s.logger.Info("chat created", "chat", meta.ID, "mode", mode, "persona", persona)
	writeJSON(w, http.StatusCreated, CreateChatResponse{ChatID: meta.ID, CreatedAt: now})
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultListLimit, 1, maxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, maxListOffset)

	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.logger.Error("listing chats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to list chats")
		return
	}

	total := len(chats)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	summaries := make([]ChatSummary, 0, end-offset)
	for _, meta := range chats[offset:end] {
		summaries = append(summaries, ChatSummary{
			ChatID:       meta.ID,
			CreatedAt:    meta.CreatedAt,
			MessageCount: meta.MessageCount,
			Preview:      meta.Preview,
			Mode:         meta.Mode,
			Persona:      meta.Persona,
		})
	}

	writeJSON(w, http.StatusOK, ChatListResponse{
		Chats:  summaries,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	meta, err := s.store.Chat(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat "+chatID+" not found")
		return
	}
	if err != nil {
		s.logger.Error("fetching chat failed", "chat", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to fetch chat")
		return
	}

	raw, err := s.store.Messages(r.Context(), chatID)
	if err != nil {
		s.logger.Error("fetching messages failed", "chat", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to fetch messages")
		return
	}

	writeJSON(w, http.StatusOK, ChatDetailResponse{
		ChatID:    meta.ID,
		CreatedAt: meta.CreatedAt,
		Mode:      meta.Mode,
		Persona:   meta.Persona,
		Messages:  agent.DisplayTranscript(raw),
		Files:     s.outputFiles(chatID),
	})
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	// An in-flight run for the chat dies with it.
	s.registry.DeleteChat(chatID)

	deleted, err := s.store.DeleteChat(r.Context(), chatID)
	if err != nil {
		s.logger.Error("deleting chat failed", "chat", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "failed to delete chat")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "chat "+chatID+" not found")
		return
	}
	s.logger.Info("chat deleted", "chat", chatID)
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: true})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := s.store.Chat(r.Context(), chatID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat "+chatID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: s.registry.CancelRun(chatID)})
}

// parseIntParam parses an integer query parameter with bounds clamping.
func parseIntParam(r *http.Request, name string, fallback, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// preview truncates the first user message for list display.
func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewMaxLen {
		return content
	}
	return string(runes[:previewMaxLen-3]) + "..."
}
