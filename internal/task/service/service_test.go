package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/storage/memory"
	"github.com/agentmesh/agentmesh/internal/task/models"
)

type capture struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capture) add(e *bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newService(t *testing.T) (*Service, *bus.MemoryEventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	svc := New(
		memory.New[*models.Task](),
		memory.New[*models.TaskMessage](),
		memory.New[*models.Event](),
		eventBus,
		logger.Default(),
	)
	return svc, eventBus
}

func subscribe(t *testing.T, eventBus *bus.MemoryEventBus, taskID string) *capture {
	t.Helper()
	c := &capture{}
	_, err := eventBus.Subscribe(bus.TaskSubject(taskID), func(ctx context.Context, e *bus.Event) error {
		c.add(e)
		return nil
	})
	require.NoError(t, err)
	return c
}

func waitForEvents(t *testing.T, c *capture, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", want, c.count())
}

func TestCreateTaskDefaultsToRunning(t *testing.T) {
	svc, _ := newService(t)

	created, err := svc.CreateTask(context.Background(), &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, created.Status)
	assert.NotEmpty(t, created.ID)

	_, err = svc.CreateTask(context.Background(), &models.Task{})
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestUpdateStatusPublishes(t *testing.T) {
	svc, eventBus := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)
	c := subscribe(t, eventBus, created.ID)

	updated, err := svc.UpdateStatus(ctx, created.ID, models.TaskStatusCompleted, "done")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, updated.Status)
	assert.Equal(t, "done", updated.StatusReason)

	waitForEvents(t, c, 1)
	c.mu.Lock()
	event := c.events[0]
	c.mu.Unlock()
	assert.Equal(t, EventTaskUpdated, event.Type)
	assert.Equal(t, "COMPLETED", event.Data["status"])
}

func TestTerminalStatusIsSink(t *testing.T) {
	svc, eventBus := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, created.ID, models.TaskStatusCanceled, "requested")
	require.NoError(t, err)

	c := subscribe(t, eventBus, created.ID)

	// Re-applying the same terminal status is an idempotent no-op.
	task, err := svc.UpdateStatus(ctx, created.ID, models.TaskStatusCanceled, "again")
	require.NoError(t, err)
	assert.Equal(t, "requested", task.StatusReason)

	// Any other transition out of a terminal status is rejected.
	_, err = svc.UpdateStatus(ctx, created.ID, models.TaskStatusCompleted, "")
	assert.ErrorIs(t, err, storage.ErrClient)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestUpdateMetadataMerges(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, &models.Task{
		AgentID:      "agent-1",
		TaskMetadata: map[string]any{"branch": "main", "labels": "infra"},
	})
	require.NoError(t, err)

	updated, err := svc.UpdateMetadata(ctx, created.ID, map[string]any{
		"branch": "feature",
		"labels": nil,
		"owner":  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "feature", updated.TaskMetadata["branch"])
	assert.Equal(t, "alice", updated.TaskMetadata["owner"])
	assert.NotContains(t, updated.TaskMetadata, "labels")
}

func TestDeleteTaskWithMessagesFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = svc.CreateMessage(ctx, &models.TaskMessage{
		TaskID:  created.ID,
		Content: models.Content{Type: models.ContentTypeText, Author: models.AuthorUser, Text: "hi"},
	})
	require.NoError(t, err)

	err = svc.DeleteTask(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrClient)

	// Still there.
	_, err = svc.GetTask(ctx, storage.Selector{ID: created.ID})
	assert.NoError(t, err)

	empty, err := svc.CreateTask(ctx, &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.NoError(t, svc.DeleteTask(ctx, empty.ID))
}

func TestListMessagesRequiresTask(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ListMessages(ctx, "missing", storage.CursorOptions{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	created, err := svc.CreateTask(ctx, &models.Task{AgentID: "agent-1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.CreateMessage(ctx, &models.TaskMessage{
			TaskID:  created.ID,
			Content: models.Content{Type: models.ContentTypeText, Author: models.AuthorUser, Text: "hello"},
		})
		require.NoError(t, err)
	}

	msgs, err := svc.ListMessages(ctx, created.ID, storage.CursorOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
