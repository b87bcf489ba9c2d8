// Package task tracks multi-step agent work items for one chat.
//
// The tracker is ephemeral per-chat state. Every mutation produces a
// snapshot delivered to the registered callback, which the gateway
// broadcasts as a task_snapshot SSE event.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// Statuses a task moves through.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the task id is unknown.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidStatus indicates an unrecognized status value.
	ErrInvalidStatus = errors.New("invalid task status")
)

// Task is one tracked work item.
type Task struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

// SnapshotFunc receives the full task list after each mutation.
type SnapshotFunc func(tasks []Task)

var numberedPrefix = regexp.MustCompile(`^(\d+)\.\s`)

// Tracker is a thread-safe task list with insertion-ordered snapshots.
// Mutating methods return the resulting snapshot under the same lock
// acquisition, so concurrent tool calls cannot interleave stale snapshots.
type Tracker struct {
	mu       sync.Mutex
	tasks    []*Task
	nextID   int
	snapshot SnapshotFunc
}

// NewTracker creates an empty tracker. snapshot may be nil.
func NewTracker(snapshot SnapshotFunc) *Tracker {
	return &Tracker{nextID: 1, snapshot: snapshot}
}

// Create adds a task and broadcasts the new snapshot.
func (t *Tracker) Create(subject, description string) Task {
	t.mu.Lock()
	task := &Task{
		ID:          strconv.Itoa(t.nextID),
		Subject:     subject,
		Status:      StatusPending,
		Description: description,
	}
	t.nextID++
	t.tasks = append(t.tasks, task)
	out := *task
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.broadcast(snap)
	return out
}

// Update changes a task's status and/or subject and broadcasts the
// resulting snapshot. Empty arguments leave the field unchanged.
func (t *Tracker) Update(id, status, subject string) (Task, error) {
	if status != "" && status != StatusPending && status != StatusInProgress && status != StatusCompleted {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	t.mu.Lock()
	var task *Task
	for _, candidate := range t.tasks {
		if candidate.ID == id {
			task = candidate
			break
		}
	}
	if task == nil {
		t.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if status != "" {
		task.Status = status
	}
	if subject != "" {
		task.Subject = subject
	}
	out := *task
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.broadcast(snap)
	return out, nil
}

// List returns the current tasks in display order.
func (t *Tracker) List() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked copies the task list, ordered by numbered subject prefix
// when every task has one, else by creation order.
func (t *Tracker) snapshotLocked() []Task {
	out := make([]Task, len(t.tasks))
	for i, task := range t.tasks {
		out[i] = *task
	}

	allNumbered := len(out) > 0
	for _, task := range out {
		if !numberedPrefix.MatchString(task.Subject) {
			allNumbered = false
			break
		}
	}
	if allNumbered {
		sort.SliceStable(out, func(i, j int) bool {
			return subjectNumber(out[i].Subject) < subjectNumber(out[j].Subject)
		})
	}
	return out
}

func subjectNumber(subject string) int {
	m := numberedPrefix.FindStringSubmatch(subject)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func (t *Tracker) broadcast(snap []Task) {
	if t.snapshot != nil {
		t.snapshot(snap)
	}
}
