package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/agentmesh/agentmesh/internal/storage"
	taskmodels "github.com/agentmesh/agentmesh/internal/task/models"
)

func TestIDValueRoundTrip(t *testing.T) {
	oid := primitive.NewObjectID()
	got := idValue(oid.Hex())
	require.IsType(t, primitive.ObjectID{}, got)
	assert.Equal(t, oid.Hex(), idString(got))

	// Externally assigned ids that are not ObjectID hex stay strings.
	got = idValue("550e8400-e29b-41d4-a716-446655440000")
	require.IsType(t, "", got)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", idString(got))
}

func TestDocumentRoundTripRestoresID(t *testing.T) {
	task := &taskmodels.Task{
		AgentID: "agent-1",
		Status:  taskmodels.TaskStatusRunning,
		Params:  map[string]any{"model": "large"},
	}
	task.SetID(primitive.NewObjectID().Hex())
	task.SetCreatedAt(time.Now().UTC().Truncate(time.Millisecond))
	task.SetUpdatedAt(task.GetCreatedAt())

	doc, err := toDocument(task)
	require.NoError(t, err)
	require.IsType(t, primitive.ObjectID{}, doc["_id"])

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	decoded := newEntity[*taskmodels.Task]()
	require.NoError(t, fromDocument(raw, decoded))
	assert.Equal(t, task.GetID(), decoded.GetID())
	assert.Equal(t, "agent-1", decoded.AgentID)
	assert.Equal(t, "large", decoded.Params["model"])
}

func TestFieldNameMapsID(t *testing.T) {
	assert.Equal(t, "_id", fieldName("id"))
	assert.Equal(t, "task_id", fieldName("task_id"))
	assert.Equal(t, "params.model", fieldName("params.model"))
}

func TestBuildFilter(t *testing.T) {
	base := bson.M{"task_id": "t1"}

	got := buildFilter(base, nil)
	assert.Equal(t, bson.M{"task_id": "t1"}, got)

	got = buildFilter(base, []storage.Filter{
		{Fields: map[string]any{"status": "RUNNING"}},
	})
	assert.Equal(t, bson.M{"task_id": "t1", "status": "RUNNING"}, got)

	got = buildFilter(base, []storage.Filter{
		{Fields: map[string]any{"status": "RUNNING"}},
		{Fields: map[string]any{"status": "COMPLETED"}},
		{Fields: map[string]any{"status": "FAILED"}, Exclude: true},
	})
	assert.Equal(t, "t1", got["task_id"])
	assert.Len(t, got["$or"], 2)
	assert.Len(t, got["$nor"], 1)
}

func TestBuildFilterFlattensNestedFields(t *testing.T) {
	got := buildFilter(bson.M{}, []storage.Filter{
		{Fields: map[string]any{"params": map[string]any{"model": "large"}}},
	})
	assert.Equal(t, bson.M{"params.model": "large"}, got)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(errors.New("duplicate key error")))
	assert.False(t, isTransient(mongo.ErrNoDocuments))
	assert.True(t, isTransient(mongo.CommandError{Labels: []string{"NetworkError"}}))
	assert.True(t, isTransient(errors.New("server selection timeout")))
}

func TestRetryPolicySchedule(t *testing.T) {
	policy := &retryPolicy{}

	for attempt := 0; attempt < maxRetries; attempt++ {
		delay := policy.NextBackOff()
		floor := retryBase * (1 << attempt)
		assert.GreaterOrEqual(t, delay, floor)
		assert.Less(t, delay, floor+retryJitterCap)
	}
	assert.Equal(t, backoff.Stop, policy.NextBackOff())

	policy.Reset()
	assert.NotEqual(t, backoff.Stop, policy.NextBackOff())
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("unique index violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotErrorIs(t, err, storage.ErrService)
}

func TestWithRetryExhaustsTransientErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("server selection timeout")
	})
	require.Error(t, err)
	assert.Equal(t, maxRetries+1, calls)
	assert.ErrorIs(t, err, storage.ErrService)
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return errors.New("server selection timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
