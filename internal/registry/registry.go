// Package registry owns per-chat runtime state: the active run with its
// cancellation token, the run's output directory and last memory, and the
// chat's loaded tool categories.
//
// All state lives in one shared map keyed by chat id and is read through
// accessor methods that take the registry lock. Nothing here relies on
// implicit context propagation: a keepalive timer or detached task reading
// a chat's state always observes the same entry the tool dispatchers
// mutate.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/docbridge-ai/agent/internal/agent"
	"github.com/docbridge-ai/agent/internal/config"
	"github.com/docbridge-ai/agent/internal/tool"
)

// Sentinel errors.
var (
	// ErrSuperseded indicates a newer run replaced this one while it was
	// starting.
	ErrSuperseded = errors.New("run superseded")
)

// Registry maps chat ids to their runtime state. Safe for concurrent use.
type Registry struct {
	grace  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	chats  map[string]*chatState
	nextID int
}

// chatState is the per-chat entry. Protected by the registry lock.
type chatState struct {
	active *Run
	loaded *tool.Loaded
}

// Run is the handle for one in-flight message dispatch. At most one active
// Run exists per chat id; starting a new one cancels its predecessor.
type Run struct {
	registry *Registry
	chatID   string
	id       int

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	// Mutable run state, read under the registry lock so keepalive
	// timers and dispatchers see one view.
	outputDir  string
	lastMemory *agent.Memory
}

// New creates a registry. grace bounds how long a superseding message
// waits for the predecessor to wind down; zero uses the default.
func New(grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = config.DefaultSupersedeGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		grace:  grace,
		logger: logger,
		chats:  make(map[string]*chatState),
	}
}

// LoadedFor returns the chat's loaded-category set, creating it on first
// use. The set survives across runs: once a chat loads a category it stays
// loaded for the chat's lifetime in this process.
func (r *Registry) LoadedFor(chatID string) *tool.Loaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(chatID)
	return state.loaded
}

func (r *Registry) stateLocked(chatID string) *chatState {
	state, ok := r.chats[chatID]
	if !ok {
		state = &chatState{loaded: tool.NewLoaded()}
		r.chats[chatID] = state
	}
	return state
}

// StartRun installs a new active run for the chat, cancelling and waiting
// out any predecessor (supersession). parent is the process-lifetime
// context, not the HTTP request context — disconnects cancel through
// CancelRun so the keepalive path and the run share one token.
func (r *Registry) StartRun(parent context.Context, chatID string) (*Run, error) {
	r.mu.Lock()
	state := r.stateLocked(chatID)
	predecessor := state.active

	if predecessor != nil {
		r.logger.Info("superseding active run", "chat", chatID, "run", predecessor.id)
		predecessor.cancel()
	}
	r.mu.Unlock()

	if predecessor != nil {
		// Bounded wait outside the lock so the predecessor's teardown
		// (which may touch the registry) cannot deadlock.
		select {
		case <-predecessor.done:
		case <-time.After(r.grace):
			r.logger.Warn("predecessor did not stop within grace period", "chat", chatID)
		case <-parent.Done():
			return nil, parent.Err()
		}
	}

	ctx, cancel := context.WithCancel(parent)
	run := &Run{
		registry: r,
		chatID:   chatID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The predecessor finishing clears the slot to nil; only a different
	// non-nil run means another message raced us in and wins.
	if state.active != predecessor && state.active != nil {
		cancel()
		return nil, ErrSuperseded
	}
	r.nextID++
	run.id = r.nextID
	state.active = run
	r.logger.Debug("run started", "chat", chatID, "run", run.id)
	return run, nil
}

// CancelRun cancels the chat's active run (explicit cancel endpoint or
// client disconnect). Returns whether a run was cancelled.
func (r *Registry) CancelRun(chatID string) bool {
	r.mu.Lock()
	state, ok := r.chats[chatID]
	if !ok || state.active == nil {
		r.mu.Unlock()
		return false
	}
	run := state.active
	r.mu.Unlock()

	r.logger.Info("cancelling run", "chat", chatID, "run", run.id)
	run.cancel()
	return true
}

// ActiveRun returns the chat's active run, or nil.
func (r *Registry) ActiveRun(chatID string) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.chats[chatID]; ok {
		return state.active
	}
	return nil
}

// DeleteChat cancels any active run and drops the chat's entry, including
// its loaded-category set.
func (r *Registry) DeleteChat(chatID string) {
	r.mu.Lock()
	state, ok := r.chats[chatID]
	if ok {
		delete(r.chats, chatID)
	}
	r.mu.Unlock()

	if ok && state.active != nil {
		state.active.cancel()
	}
}

// Context returns the run's cancellation context. It is the root of the
// run's cancellation hierarchy: model streams, tool dispatches, and
// sub-agents all derive from it.
func (run *Run) Context() context.Context { return run.ctx }

// ChatID returns the owning chat id.
func (run *Run) ChatID() string { return run.chatID }

// Cancel trips the run's cancellation token.
func (run *Run) Cancel() { run.cancel() }

// Finish marks the run complete and releases its registry slot (unless a
// successor already took it). Idempotent.
func (run *Run) Finish() {
	run.cancel()

	run.registry.mu.Lock()
	if state, ok := run.registry.chats[run.chatID]; ok && state.active == run {
		state.active = nil
	}
	run.registry.mu.Unlock()

	run.doneOnce.Do(func() { close(run.done) })
}

// SetOutputDir records the run's output directory in the shared entry.
func (run *Run) SetOutputDir(dir string) {
	run.registry.mu.Lock()
	defer run.registry.mu.Unlock()
	run.outputDir = dir
}

// OutputDir reads the run's output directory from the shared entry.
func (run *Run) OutputDir() string {
	run.registry.mu.Lock()
	defer run.registry.mu.Unlock()
	return run.outputDir
}

// SetLastMemory records the run's final memory for persistence.
func (run *Run) SetLastMemory(m *agent.Memory) {
	run.registry.mu.Lock()
	defer run.registry.mu.Unlock()
	run.lastMemory = m
}

// PopLastMemory returns and clears the recorded memory.
func (run *Run) PopLastMemory() *agent.Memory {
	run.registry.mu.Lock()
	defer run.registry.mu.Unlock()
	m := run.lastMemory
	run.lastMemory = nil
	return m
}
