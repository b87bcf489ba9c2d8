package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndUpdate(t *testing.T) {
	var snapshots [][]Task
	tracker := NewTracker(func(tasks []Task) { snapshots = append(snapshots, tasks) })

	created := tracker.Create("Deploy schema changes", "apply and verify")
	assert.Equal(t, "1", created.ID)
	assert.Equal(t, StatusPending, created.Status)

	updated, err := tracker.Update("1", StatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Status)
	assert.Equal(t, "Deploy schema changes", updated.Subject)

	// Every mutation broadcast a snapshot.
	require.Len(t, snapshots, 2)
	assert.Equal(t, StatusInProgress, snapshots[1][0].Status)
}

func TestUpdateValidation(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Create("a", "")

	_, err := tracker.Update("1", "done", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = tracker.Update("999", StatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNumberedSubjectOrdering(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Create("2. second", "")
	tracker.Create("10. tenth", "")
	tracker.Create("1. first", "")

	tasks := tracker.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, "1. first", tasks[0].Subject)
	assert.Equal(t, "2. second", tasks[1].Subject)
	assert.Equal(t, "10. tenth", tasks[2].Subject)
}

func TestMixedSubjectsKeepCreationOrder(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Create("2. second", "")
	tracker.Create("unnumbered", "")

	tasks := tracker.List()
	assert.Equal(t, "2. second", tasks[0].Subject)
	assert.Equal(t, "unnumbered", tasks[1].Subject)
}

func TestConcurrentMutations(t *testing.T) {
	tracker := NewTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Create("task", "")
		}()
	}
	wg.Wait()

	tasks := tracker.List()
	assert.Len(t, tasks, 20)

	// IDs are unique.
	seen := make(map[string]bool)
	for _, task := range tasks {
		assert.False(t, seen[task.ID], "duplicate id %s", task.ID)
		seen[task.ID] = true
	}
}
