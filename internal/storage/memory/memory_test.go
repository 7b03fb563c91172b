package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
)

func newTask(name, agentID string, status models.TaskStatus) *models.Task {
	return &models.Task{Name: name, AgentID: agentID, Status: status}
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	repo := New[*models.Task]()

	created, err := repo.Create(context.Background(), newTask("build", "agent-1", models.TaskStatusRunning))
	require.NoError(t, err)
	assert.NotEmpty(t, created.GetID())
	assert.False(t, created.GetCreatedAt().IsZero())
	assert.Equal(t, created.GetCreatedAt(), created.GetUpdatedAt())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	_, err := repo.Create(ctx, newTask("build", "agent-1", models.TaskStatusRunning))
	require.NoError(t, err)

	_, err = repo.Create(ctx, newTask("build", "agent-2", models.TaskStatusRunning))
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestGetBySelector(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	created, err := repo.Create(ctx, newTask("build", "agent-1", models.TaskStatusRunning))
	require.NoError(t, err)

	byID, err := repo.Get(ctx, storage.Selector{ID: created.GetID()})
	require.NoError(t, err)
	assert.Equal(t, "build", byID.Name)

	byName, err := repo.Get(ctx, storage.Selector{Name: "build"})
	require.NoError(t, err)
	assert.Equal(t, created.GetID(), byName.GetID())

	_, err = repo.Get(ctx, storage.Selector{ID: created.GetID(), Name: "build"})
	assert.ErrorIs(t, err, storage.ErrClient)

	_, err = repo.Get(ctx, storage.Selector{})
	assert.ErrorIs(t, err, storage.ErrClient)

	_, err = repo.Get(ctx, storage.Selector{ID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetByFieldReturnsNilWhenAbsent(t *testing.T) {
	repo := New[*models.Task]()

	got, err := repo.GetByField(context.Background(), "agent_id", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	created, err := repo.Create(ctx, newTask("build", "agent-1", models.TaskStatusRunning))
	require.NoError(t, err)

	created.Status = models.TaskStatusCompleted
	created.SetCreatedAt(time.Time{}) // must be restored from the stored row
	updated, err := repo.Update(ctx, created)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, updated.Status)
	assert.False(t, updated.GetCreatedAt().IsZero())
	assert.True(t, updated.GetUpdatedAt().After(updated.GetCreatedAt()) ||
		updated.GetUpdatedAt().Equal(updated.GetCreatedAt()))

	_, err = repo.Update(ctx, newTask("ghost", "agent-1", models.TaskStatusRunning))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindByFieldFiltersAndPaginates(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	for i, status := range []models.TaskStatus{
		models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusRunning,
	} {
		task := newTask("", "agent-1", status)
		task.SetID("task-" + string(rune('a'+i)))
		_, err := repo.Create(ctx, task)
		require.NoError(t, err)
	}
	other := newTask("", "agent-2", models.TaskStatusRunning)
	_, err := repo.Create(ctx, other)
	require.NoError(t, err)

	all, err := repo.FindByField(ctx, "agent_id", "agent-1", storage.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := repo.FindByField(ctx, "agent_id", "agent-1", storage.FindOptions{
		Filters: []storage.Filter{{Fields: map[string]any{"status": "RUNNING"}}},
	})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	notRunning, err := repo.FindByField(ctx, "agent_id", "agent-1", storage.FindOptions{
		Filters: []storage.Filter{{Fields: map[string]any{"status": "RUNNING"}, Exclude: true}},
	})
	require.NoError(t, err)
	require.Len(t, notRunning, 1)
	assert.Equal(t, models.TaskStatusCompleted, notRunning[0].Status)

	page2, err := repo.FindByField(ctx, "agent_id", "agent-1", storage.FindOptions{Limit: 2, PageNumber: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestFindByFieldWithCursor(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	ids := []string{"t1", "t2", "t3"}
	for i, id := range ids {
		task := newTask("", "agent-1", models.TaskStatusRunning)
		task.SetID(id)
		_, err := repo.Create(ctx, task)
		require.NoError(t, err)
		// Give each row a distinct created_at so ordering is deterministic.
		repo.items[id].SetCreatedAt(base.Add(time.Duration(i) * time.Second))
	}

	// Newest first with no cursor.
	page, err := repo.FindByFieldWithCursor(ctx, "agent_id", "agent-1", storage.CursorOptions{})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "t3", page[0].GetID())

	// AfterID selects strictly newer rows.
	newer, err := repo.FindByFieldWithCursor(ctx, "agent_id", "agent-1", storage.CursorOptions{AfterID: "t1"})
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, "t3", newer[0].GetID())
	assert.Equal(t, "t2", newer[1].GetID())

	// BeforeID selects strictly older rows.
	older, err := repo.FindByFieldWithCursor(ctx, "agent_id", "agent-1", storage.CursorOptions{BeforeID: "t2"})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "t1", older[0].GetID())

	// An unresolvable cursor yields the unbounded page.
	unbounded, err := repo.FindByFieldWithCursor(ctx, "agent_id", "agent-1", storage.CursorOptions{AfterID: "missing"})
	require.NoError(t, err)
	assert.Len(t, unbounded, 3)

	limited, err := repo.FindByFieldWithCursor(ctx, "agent_id", "agent-1", storage.CursorOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "t3", limited[0].GetID())
}

func TestListWithNestedFilters(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	fast := newTask("fast", "agent-1", models.TaskStatusRunning)
	fast.Params = map[string]any{"model": "small"}
	_, err := repo.Create(ctx, fast)
	require.NoError(t, err)

	slow := newTask("slow", "agent-1", models.TaskStatusRunning)
	slow.Params = map[string]any{"model": "large"}
	_, err = repo.Create(ctx, slow)
	require.NoError(t, err)

	got, err := repo.List(ctx, storage.ListOptions{
		Filters: map[string]any{"params": map[string]any{"model": "large"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "slow", got[0].Name)
}

func TestDeleteByFieldReturnsCount(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, newTask("", "agent-1", models.TaskStatusRunning))
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, newTask("", "agent-2", models.TaskStatusRunning))
	require.NoError(t, err)

	count, err := repo.DeleteByField(ctx, "agent_id", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	remaining, err := repo.List(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestReturnedItemsAreCopies(t *testing.T) {
	repo := New[*models.Task]()
	ctx := context.Background()

	task := newTask("build", "agent-1", models.TaskStatusRunning)
	task.Params = map[string]any{"model": "small"}
	created, err := repo.Create(ctx, task)
	require.NoError(t, err)

	created.Params["model"] = "mutated"

	got, err := repo.Get(ctx, storage.Selector{ID: created.GetID()})
	require.NoError(t, err)
	assert.Equal(t, "small", got.Params["model"])
}
