package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docbridge-ai/agent/internal/agent"
	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/llm"
	"github.com/docbridge-ai/agent/internal/registry"
	"github.com/docbridge-ai/agent/internal/sse"
	"github.com/docbridge-ai/agent/internal/store"
	"github.com/docbridge-ai/agent/internal/task"
	"github.com/docbridge-ai/agent/internal/tool"
	"github.com/docbridge-ai/agent/internal/track"
)

// Message content limits.
const (
	maxContentLen  = 50000
	maxAttachments = 5
	maxImageBytes  = 5 << 20
	maxPDFBytes    = 20 << 20
)

// ImageContent is a base64 image attachment.
type ImageContent struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// DocumentContent is a base64 PDF attachment, saved into the run's output
// directory for the agent to reference.
type DocumentContent struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// MessageRequest is the body of POST /chats/{id}/messages.
type MessageRequest struct {
	Content     string            `json:"content"`
	Images      []ImageContent    `json:"images,omitempty"`
	Documents   []DocumentContent `json:"documents,omitempty"`
	PlatformURL string            `json:"platform_url,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Persona     string            `json:"persona,omitempty"`
}

func (req *MessageRequest) validate() string {
	if req.Content == "" {
		return "content is required"
	}
	if len(req.Content) > maxContentLen {
		return "content exceeds the maximum length"
	}
	if len(req.Images) > maxAttachments || len(req.Documents) > maxAttachments {
		return "too many attachments"
	}
	for _, img := range req.Images {
		switch img.MediaType {
		case "image/jpeg", "image/png", "image/gif", "image/webp":
		default:
			return "unsupported image media type"
		}
		if len(img.Data) > maxImageBytes*4/3 {
			return "image exceeds the maximum size"
		}
	}
	for _, doc := range req.Documents {
		if doc.Filename == "" || doc.Filename != filepath.Base(doc.Filename) {
			return "invalid document filename"
		}
		if len(doc.Data) > maxPDFBytes*4/3 {
			return "document exceeds the maximum size"
		}
	}
	return ""
}

// sendMessage is the streaming gateway: it resolves the chat, supersedes
// any in-flight run, opens the SSE stream, drives the agent loop, and
// always terminates the stream with a done event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.messageLimits.Allow(limiterKey(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "message rate limit exceeded")
		return
	}

	chatID := r.PathValue("id")
	meta, err := s.store.Chat(r.Context(), chatID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "chat "+chatID+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "failed to fetch chat")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
		return
	}

	creds, ok := s.credentialsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_credentials",
			"provide "+headerAPIToken+" or configure a default token")
		return
	}

	// Mode/persona overrides stick to the chat for subsequent messages.
	if req.Mode != "" && req.Mode != meta.Mode {
		meta.Mode = req.Mode
	}
	if req.Persona != "" && req.Persona != meta.Persona {
		meta.Persona = req.Persona
	}
	if meta.Mode != config.ModeReadOnly && meta.Mode != config.ModeReadWrite {
		writeError(w, http.StatusBadRequest, "invalid_mode", "mode must be read-only or read-write")
		return
	}

	// Supersede any in-flight run before streaming starts.
	run, err := s.registry.StartRun(s.base, chatID)
	if err != nil {
		writeError(w, http.StatusConflict, "superseded", "another message took over this chat")
		return
	}
	defer run.Finish()

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	// The watcher cancels the run on client disconnect (within its
	// select latency), sends keepalives during silence, and cancels on
	// write stalls. It reads run state through the registry, never a
	// captured snapshot.
	stop := make(chan struct{})
	defer close(stop)
	go s.watchClient(r.Context(), chatID, writer, stop)

	outcome := s.runMessage(run, writer, meta, creds, &req)

	// done always fires so clients can close cleanly. A failed write here
	// means the client is already gone.
	if err := writer.WriteEvent(agent.EventDone, outcome.done); err != nil {
		s.logger.Debug("writing done event failed", "chat", chatID, "error", err)
	}
}

// watchClient runs beside the agent worker for the lifetime of one stream.
func (s *Server) watchClient(clientCtx context.Context, chatID string, writer *sse.Writer, stop <-chan struct{}) {
	interval := s.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = config.DefaultKeepaliveInterval
	}
	ticker := time.NewTicker(interval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-clientCtx.Done():
			s.logger.Info("client disconnected, cancelling run", "chat", chatID)
			s.registry.CancelRun(chatID)
			return
		case <-ticker.C:
			if s.cfg.WriteStall > 0 && writer.Stalled(s.cfg.WriteStall) {
				s.logger.Warn("sse write stalled, cancelling run", "chat", chatID)
				s.registry.CancelRun(chatID)
				return
			}
			if time.Since(writer.LastSuccess()) >= interval {
				if err := writer.WriteKeepalive(); err != nil {
					s.registry.CancelRun(chatID)
					return
				}
			}
		}
	}
}

// runOutcome carries what the handler needs after the worker returns.
type runOutcome struct {
	done agent.DoneEvent
}

// runMessage wires the per-run collaborators and drives the agent loop.
// All events except done are emitted from here.
func (s *Server) runMessage(run *registry.Run, writer *sse.Writer, meta *store.ChatMeta, creds Credentials, req *MessageRequest) runOutcome {
	ctx := run.Context()
	chatID := run.ChatID()
	logger := s.logger.With("chat", chatID)

	emit := func(e agent.Event) {
		if err := writer.WriteEvent(e.Name, e.Payload); err != nil {
			// Write failures surface as disconnects via the watcher;
			// keep draining events so the worker can wind down.
			logger.Debug("sse write failed", "event", e.Name, "error", err)
		}
	}
	emitError := func(message string) runOutcome {
		emit(agent.Event{Name: agent.EventStep, Payload: agent.StepEvent{
			Type:       agent.StepError,
			StepNumber: 0,
			Content:    message,
			IsFinal:    true,
		}})
		return runOutcome{}
	}

	// Per-chat output directory, shared state via the registry entry.
	outputDir := s.chatOutputDir(chatID)
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return emitError("could not create output directory")
	}
	run.SetOutputDir(outputDir)
	s.saveDocuments(req.Documents, outputDir, logger)

	// One tool-server process per run, carrying this run's credentials.
	client, err := s.connect(ctx, creds, meta.Mode)
	if err != nil {
		logger.Error("tool server connection failed", "error", err)
		return emitError("could not reach the platform tool server")
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("closing tool server failed", "error", err)
		}
	}()

	writeTools, err := tool.WriteTools(ctx, client)
	if err != nil {
		logger.Error("listing platform tools failed", "error", err)
		return emitError("could not list platform tools")
	}

	tracker := track.NewTracker(client, s.store, chatID, writeTools, logger)
	commits := track.NewCommitService(s.store, s.provider, s.cfg.SummaryModel, logger)
	reverter := track.NewReverter(tracker, s.store, logger)
	tasks := task.NewTracker(func(items []task.Task) {
		data, err := json.Marshal(items)
		if err != nil {
			return
		}
		emit(agent.Event{Name: agent.EventTaskSnapshot, Payload: agent.TaskSnapshotEvent{
			Type:  agent.EventTaskSnapshot,
			Tasks: data,
		}})
	})

	readOnly := meta.Mode == config.ModeReadOnly
	set := tool.NewSet(tracker, s.registry.LoadedFor(chatID), readOnly, logger)

	runner := agent.NewRunner(agent.Config{
		Provider:        s.provider,
		Model:           s.cfg.ModelName,
		SummaryModel:    s.cfg.SummaryModel,
		MaxIterations:   s.cfg.MaxIterations,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		ThinkingBudget:  s.cfg.ThinkingBudget,
		ToolTimeout:     s.cfg.ToolTimeout,
		Logger:          logger,
	})
	subRunner := agent.NewSubAgentRunner(s.provider, s.cfg.ModelName, runner.Ledger(), emit, logger)
	agent.RegisterSubAgentTools(set, subRunner, tracker)

	tool.RegisterBuiltins(set, tool.Deps{
		ChatID:      chatID,
		OutputDir:   outputDir,
		Tasks:       tasks,
		Tracker:     tracker,
		Commits:     commits,
		Reverter:    reverter,
		Store:       s.store,
		UserRequest: req.Content,
		OnFileCreated: func(filename string) {
			emit(agent.Event{Name: agent.EventFileCreated, Payload: agent.FileCreatedEvent{
				Type:     agent.EventFileCreated,
				Filename: filename,
				URL:      "/api/v1/chats/" + chatID + "/files/" + filename,
			}})
		},
		Logger: logger,
	})

	// Re-materialize the chat's loaded categories, then keyword-preload
	// on the first message.
	if err := set.Restore(ctx); err != nil {
		logger.Warn("restoring loaded categories failed", "error", err)
	}
	preloadNote := ""
	if meta.MessageCount == 0 {
		preloadNote = set.PreloadFor(ctx, req.Content)
	}

	memory, err := s.restoreMemory(ctx, chatID)
	if err != nil {
		logger.Error("restoring memory failed", "error", err)
		return emitError("could not restore conversation history")
	}

	outcome, err := runner.Run(ctx, agent.RunDeps{
		ChatID:         chatID,
		Set:            set,
		Tracker:        tracker,
		Commits:        commits,
		Tasks:          tasks,
		OutputDir:      outputDir,
		WriteToolNames: writeTools,
	}, agent.RunParams{
		Prompt:      req.Content,
		Images:      imageBlocks(req.Images),
		Memory:      memory,
		Mode:        meta.Mode,
		Persona:     meta.Persona,
		PlatformURL: req.PlatformURL,
		Preloaded:   preloadNote,
	}, emit)
	if err != nil && !outcome.Cancelled {
		logger.Error("agent run ended with error", "error", err)
	}

	run.SetLastMemory(outcome.Memory)

	if !outcome.Cancelled {
		s.persistRun(chatID, meta, req.Content, run, logger)
	} else {
		logger.Info("run cancelled, skipping persistence")
	}

	done := agent.DoneEvent{
		TotalSteps:          outcome.TotalSteps,
		InputTokens:         outcome.Usage.InputTokens,
		OutputTokens:        outcome.Usage.OutputTokens,
		CacheCreationTokens: outcome.Usage.CacheCreationTokens,
		CacheReadTokens:     outcome.Usage.CacheReadTokens,
		TokenUsage:          outcome.Breakdown,
	}
	if outcome.Commit != nil {
		done.ConfigCommitHash = outcome.Commit.Hash
		done.ConfigCommitMessage = outcome.Commit.Message
		done.ConfigChangesCount = len(outcome.Commit.Changes)
	}
	return runOutcome{done: done}
}

// restoreMemory loads the chat's folded history from the store.
func (s *Server) restoreMemory(ctx context.Context, chatID string) (*agent.Memory, error) {
	raw, err := s.store.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return agent.NewMemory(), nil
	}
	return agent.MemoryFromRaw(raw)
}

// persistRun writes the run's memory and updated chat metadata. Uses a
// fresh context: persistence must survive the run context's end.
func (s *Server) persistRun(chatID string, meta *store.ChatMeta, prompt string, run *registry.Run, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if memory := run.PopLastMemory(); memory != nil {
		raw, err := memory.ToRaw()
		if err != nil {
			logger.Warn("serializing memory failed", "error", err)
		} else if err := s.store.ReplaceMessages(ctx, chatID, raw); err != nil {
			logger.Warn("persisting transcript failed", "error", err)
		}
	}

	if meta.Preview == "" {
		meta.Preview = preview(prompt)
	}
	meta.MessageCount++
	if err := s.store.UpdateChat(ctx, *meta); err != nil {
		logger.Warn("updating chat metadata failed", "error", err)
	}
}

// saveDocuments decodes uploaded PDFs into the output directory.
func (s *Server) saveDocuments(docs []DocumentContent, outputDir string, logger *slog.Logger) {
	for _, doc := range docs {
		data, err := base64.StdEncoding.DecodeString(doc.Data)
		if err != nil {
			logger.Warn("decoding document failed", "filename", doc.Filename, "error", err)
			continue
		}
		path := filepath.Join(outputDir, filepath.Base(doc.Filename))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			logger.Warn("saving document failed", "filename", doc.Filename, "error", err)
		}
	}
}

// imageBlocks converts request attachments to model blocks.
func imageBlocks(images []ImageContent) []llm.Block {
	blocks := make([]llm.Block, 0, len(images))
	for _, img := range images {
		blocks = append(blocks, llm.Block{
			Type:      llm.BlockImage,
			MediaType: img.MediaType,
			Data:      img.Data,
		})
	}
	return blocks
}
