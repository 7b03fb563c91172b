package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/acp"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/authz"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/storage/memory"
	"github.com/agentmesh/agentmesh/internal/task/models"
	taskservice "github.com/agentmesh/agentmesh/internal/task/service"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
	"github.com/agentmesh/agentmesh/pkg/acp/protocol"
)

type staticDirectory struct {
	agent *agentmodels.Agent
	key   string
}

func (s *staticDirectory) GetAgent(ctx context.Context, sel storage.Selector) (*agentmodels.Agent, error) {
	if s.agent == nil ||
		(sel.ID != "" && sel.ID != s.agent.ID) ||
		(sel.Name != "" && sel.Name != s.agent.Name) {
		return nil, storage.NotFoundf("agent not found")
	}
	return s.agent, nil
}

func (s *staticDirectory) InternalKey(ctx context.Context, agentID string) (string, error) {
	return s.key, nil
}

type fixture struct {
	dispatcher *Dispatcher
	tasks      *taskservice.Service
	agent      *agentmodels.Agent
}

func newFixture(t *testing.T, acpType agentmodels.ACPType, handler http.HandlerFunc, cfg config.ACPConfig) *fixture {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	agent := &agentmodels.Agent{
		Name:    "coder",
		ACPURL:  server.URL,
		ACPType: acpType,
		Status:  agentmodels.AgentStatusActive,
	}
	agent.SetID("agent-1")

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	tasks := taskservice.New(
		memory.New[*models.Task](),
		memory.New[*models.TaskMessage](),
		memory.New[*models.Event](),
		eventBus,
		logger.Default(),
	)

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2
	}
	client := acp.NewClient(cfg, logger.Default())
	dispatcher := New(&staticDirectory{agent: agent, key: "internal-key"}, tasks, client, authz.AllowAll{}, cfg, logger.Default())

	return &fixture{dispatcher: dispatcher, tasks: tasks, agent: agent}
}

func (f *fixture) sel() storage.Selector {
	return storage.Selector{ID: f.agent.ID}
}

// ndjsonAgent replies to message/send with the given update chunks, one
// response envelope per line.
func ndjsonAgent(updates []models.TaskMessageUpdate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, u := range updates {
			resp, _ := jsonrpc.NewResponse(req.ID, u)
			line, _ := json.Marshal(resp)
			fmt.Fprintf(w, "%s\n", line)
		}
	}
}

func okAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp, _ := jsonrpc.NewResponse(req.ID, map[string]any{"ok": true})
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func textContent(text string) *models.Content {
	return &models.Content{Type: models.ContentTypeText, Author: models.AuthorAgent, Text: text}
}

func sendParams(t *testing.T, p messageSendParams) json.RawMessage {
	t.Helper()
	if p.Content == nil {
		raw, err := json.Marshal(models.Content{Type: models.ContentTypeText, Author: models.AuthorUser, Text: "hi"})
		require.NoError(t, err)
		p.Content = raw
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func agentMessages(t *testing.T, f *fixture, taskID string) []*models.TaskMessage {
	t.Helper()
	all, err := f.tasks.ListMessages(context.Background(), taskID, storage.CursorOptions{})
	require.NoError(t, err)
	var out []*models.TaskMessage
	for _, msg := range all {
		if msg.Content.Author == models.AuthorAgent {
			out = append(out, msg)
		}
	}
	return out
}

func TestStreamedTextAssembly(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent([]models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: textContent("")},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "Hello"}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: " world!"}},
		{Type: models.UpdateTypeDone, Index: 0},
	}), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{Stream: true})}

	var emitted []models.TaskMessageUpdate
	err := f.dispatcher.DispatchStream(context.Background(), f.sel(), req, nil, func(u *models.TaskMessageUpdate) error {
		emitted = append(emitted, *u)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, emitted, 4)
	assert.Equal(t, models.UpdateTypeStart, emitted[0].Type)
	assert.Equal(t, models.UpdateTypeDone, emitted[3].Type)
	for _, u := range emitted {
		assert.NotEmpty(t, u.ParentMessageID)
		assert.NotEmpty(t, u.TaskID)
	}

	replies := agentMessages(t, f, emitted[0].TaskID)
	require.Len(t, replies, 1)
	assert.Equal(t, "Hello world!", replies[0].Content.Text)
	assert.Equal(t, models.StreamingDone, replies[0].StreamingStatus)

	// The caller's input message was persisted too.
	all, err := f.tasks.ListMessages(context.Background(), emitted[0].TaskID, storage.CursorOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStreamedFullOnly(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent([]models.TaskMessageUpdate{
		{Type: models.UpdateTypeFull, Index: 0, Content: textContent("Complete.")},
	}), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{Stream: true})}

	var emitted []models.TaskMessageUpdate
	err := f.dispatcher.DispatchStream(context.Background(), f.sel(), req, nil, func(u *models.TaskMessageUpdate) error {
		emitted = append(emitted, *u)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, emitted, 1)
	replies := agentMessages(t, f, emitted[0].TaskID)
	require.Len(t, replies, 1)
	assert.Equal(t, "Complete.", replies[0].Content.Text)
	assert.Equal(t, models.StreamingDone, replies[0].StreamingStatus)
}

func TestStreamedInterleavedIndexes(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent([]models.TaskMessageUpdate{
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "First"}},
		{Type: models.UpdateTypeDelta, Index: 1, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "Second"}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: " message"}},
		{Type: models.UpdateTypeDone, Index: 0},
		{Type: models.UpdateTypeDone, Index: 1},
	}), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{Stream: true})}

	var emitted []models.TaskMessageUpdate
	err := f.dispatcher.DispatchStream(context.Background(), f.sel(), req, nil, func(u *models.TaskMessageUpdate) error {
		emitted = append(emitted, *u)
		return nil
	})
	require.NoError(t, err)

	// Two synthesized starts plus the five original chunks, in arrival order.
	require.Len(t, emitted, 7)
	types := make([]models.UpdateType, len(emitted))
	for i, u := range emitted {
		types[i] = u.Type
	}
	assert.Equal(t, []models.UpdateType{
		models.UpdateTypeStart, models.UpdateTypeDelta,
		models.UpdateTypeStart, models.UpdateTypeDelta,
		models.UpdateTypeDelta,
		models.UpdateTypeDone, models.UpdateTypeDone,
	}, types)

	replies := agentMessages(t, f, emitted[0].TaskID)
	require.Len(t, replies, 2)
	texts := map[string]bool{}
	for _, msg := range replies {
		texts[msg.Content.Text] = true
		assert.Equal(t, models.StreamingDone, msg.StreamingStatus)
	}
	assert.True(t, texts["First message"])
	assert.True(t, texts["Second"])
}

func TestSyncSendMixedContentTypes(t *testing.T) {
	fullToolRequest := &models.Content{
		Type:       models.ContentTypeToolRequest,
		Author:     models.AuthorAgent,
		ToolCallID: "call-1",
		Name:       "get_weather",
		Arguments:  map[string]any{"l": "SF"},
	}
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent([]models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: &models.Content{Type: models.ContentTypeToolRequest, Author: models.AuthorAgent, ToolCallID: "call-1", Name: "get_weather"}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeToolRequest, ToolCallID: "call-1", Name: "get_weather", ArgumentsDelta: `{"l":"SF"}`}},
		{Type: models.UpdateTypeFull, Index: 0, Content: fullToolRequest},
		{Type: models.UpdateTypeStart, Index: 1, Content: &models.Content{Type: models.ContentTypeToolResponse, Author: models.AuthorAgent, ToolCallID: "call-1", Name: "get_weather"}},
		{Type: models.UpdateTypeDelta, Index: 1, Delta: &models.Delta{Type: models.DeltaTypeToolResponse, ToolCallID: "call-1", Name: "get_weather", ContentDelta: "Sunny"}},
		{Type: models.UpdateTypeStart, Index: 2, Content: textContent("")},
		{Type: models.UpdateTypeDelta, Index: 2, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "Based on"}},
		{Type: models.UpdateTypeDelta, Index: 2, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: " data."}},
		{Type: models.UpdateTypeDone, Index: 1},
		{Type: models.UpdateTypeDone, Index: 2},
	}), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{})}
	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)

	replies, ok := result.([]*models.TaskMessage)
	require.True(t, ok)
	require.Len(t, replies, 3)

	assert.Equal(t, models.ContentTypeToolRequest, replies[0].Content.Type)
	assert.Equal(t, "SF", replies[0].Content.Arguments["l"])
	assert.Equal(t, models.ContentTypeToolResponse, replies[1].Content.Type)
	assert.Equal(t, "Sunny", replies[1].Content.ToolContent)
	assert.Equal(t, models.ContentTypeText, replies[2].Content.Type)
	assert.Equal(t, "Based on data.", replies[2].Content.Text)
	for _, msg := range replies {
		assert.Equal(t, models.StreamingDone, msg.StreamingStatus)
		assert.NotEmpty(t, msg.ID)
	}
}

func TestMixedDeltaTypesFailTask(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent([]models.TaskMessageUpdate{
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "a"}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeData, DataDelta: "{}"}},
	}), config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{AgentID: f.agent.ID})
	require.NoError(t, err)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{TaskID: task.ID})}
	_, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)

	failed, err := f.tasks.GetTask(context.Background(), storage.Selector{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Contains(t, failed.StatusReason, "mixed delta types")
}

func TestTaskCreateForwardsToAgenticAgent(t *testing.T) {
	var gotMethod, gotID atomic.Value
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotMethod.Store(req.Method)
		gotID.Store(req.ID)
		resp, _ := jsonrpc.NewResponse(req.ID, protocol.TaskCreateResult{})
		_ = json.NewEncoder(w).Encode(resp)
	}, config.ACPConfig{})

	raw, _ := json.Marshal(taskCreateParams{Name: "deploy", Params: map[string]any{"env": "prod"}})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCreate, Params: raw}

	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)

	task, ok := result.(*models.Task)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, "deploy", task.Name)
	assert.Equal(t, protocol.MethodTaskCreate, gotMethod.Load())
	assert.Equal(t, jsonrpc.RequestID(protocol.MethodTaskCreate, task.ID), gotID.Load())

	// Same name resolves to the same task.
	again, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.(*models.Task).ID)
}

func TestTaskCreateSkipsForwardForSyncAgent(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, agentmodels.ACPTypeSync, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCreate}
	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.(*models.Task).ID)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTaskCreateForwardFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent down", http.StatusInternalServerError)
	}, config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCreate}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.Error(t, err)

	tasks, err := f.tasks.ListTasks(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].StatusReason, "500")
}

func TestTaskCancel(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp, _ := jsonrpc.NewResponse(req.ID, protocol.TaskCancelResult{})
		_ = json.NewEncoder(w).Encode(resp)
	}, config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{AgentID: f.agent.ID})
	require.NoError(t, err)

	raw, _ := json.Marshal(taskCancelParams{TaskID: task.ID})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCancel, Params: raw}

	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
	canceled := result.(*models.Task)
	assert.Equal(t, models.TaskStatusCanceled, canceled.Status)
	assert.Equal(t, "Task canceled by user", canceled.StatusReason)
	assert.Equal(t, int32(1), calls.Load())

	// Canceling again is idempotent and skips the agent call.
	result, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCanceled, result.(*models.Task).Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTaskCancelRequiresIdentifier(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, okAgent(), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCancel}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestEventSend(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAsync, okAgent(), config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{AgentID: f.agent.ID})
	require.NoError(t, err)

	raw, _ := json.Marshal(eventSendParams{TaskID: task.ID, Content: map[string]any{"kind": "push"}})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodEventSend, Params: raw}

	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
	event := result.(*models.Event)
	assert.Equal(t, task.ID, event.TaskID)
	assert.Equal(t, "push", event.Content["kind"])
}

func TestEventSendCreatesTaskByName(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAsync, okAgent(), config.ACPConfig{})

	raw, _ := json.Marshal(eventSendParams{TaskName: "repo-events", Content: map[string]any{"kind": "push"}})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodEventSend, Params: raw}

	result, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)

	task, err := f.tasks.GetTask(context.Background(), storage.Selector{Name: "repo-events"})
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, task.AgentID)
	assert.Equal(t, task.ID, result.(*models.Event).TaskID)
}

func TestEventSendRequiresExactlyOneIdentifier(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAsync, okAgent(), config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{Name: "named", AgentID: f.agent.ID})
	require.NoError(t, err)

	both, _ := json.Marshal(eventSendParams{TaskID: task.ID, TaskName: "named"})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodEventSend, Params: both}
	_, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestMethodTableRejectsDisallowedMethods(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAsync, okAgent(), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{})}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, okAgent(), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "task/unknown"}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.Error(t, err)

	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcErr.Code)
}

func TestStreamFlagOnlyValidForMessageSend(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, okAgent(), config.ACPConfig{})

	raw, _ := json.Marshal(map[string]any{"stream": true})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodTaskCreate, Params: raw}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)

	err = f.dispatcher.DispatchStream(context.Background(), f.sel(), req, nil, func(*models.TaskMessageUpdate) error { return nil })
	assert.ErrorIs(t, err, storage.ErrClient)
}

func TestAdvisoryLockSerializesSends(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(true, false) {
			close(started)
			<-release
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
	}, config.ACPConfig{AdvisoryLock: true, RequestTimeout: 10})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{AgentID: f.agent.ID})
	require.NoError(t, err)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{TaskID: task.ID})}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
		errCh <- err
	}()

	<-started
	_, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrClient)
	assert.Contains(t, err.Error(), "already processing")

	close(release)
	require.NoError(t, <-errCh)

	// Lock is released after the send completes.
	_, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)
}

func TestCallerCancellationFlushesWithoutFailingTask(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, u := range []models.TaskMessageUpdate{
			{Type: models.UpdateTypeStart, Index: 0, Content: textContent("")},
			{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{Type: models.DeltaTypeText, TextDelta: "Hel"}},
		} {
			resp, _ := jsonrpc.NewResponse(req.ID, u)
			line, _ := json.Marshal(resp)
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
		<-r.Context().Done()
	}, config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{AgentID: f.agent.ID})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{TaskID: task.ID, Stream: true})}
	err = f.dispatcher.DispatchStream(ctx, f.sel(), req, nil, func(u *models.TaskMessageUpdate) error {
		if u.Type == models.UpdateTypeDelta {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The partial accumulator was flushed and the task is still running.
	current, err := f.tasks.GetTask(context.Background(), storage.Selector{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, current.Status)

	replies := agentMessages(t, f, task.ID)
	require.Len(t, replies, 1)
	assert.Equal(t, "Hel", replies[0].Content.Text)
	assert.Equal(t, models.StreamingDone, replies[0].StreamingStatus)
}

func TestSendPropagatesHeadersToAgent(t *testing.T) {
	var gotKey, gotTrace, gotAuth atomic.Value
	f := newFixture(t, agentmodels.ACPTypeAgentic, func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get(acp.AgentAPIKeyHeader))
		gotTrace.Store(r.Header.Get("x-trace-id"))
		gotAuth.Store(r.Header.Get("Authorization"))
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/x-ndjson")
	}, config.ACPConfig{RequestIDHeader: "x-request-id"})

	inbound := http.Header{}
	inbound.Set("x-trace-id", "trace-1")
	inbound.Set("Authorization", "Bearer caller-token")
	inbound.Set(acp.AgentAPIKeyHeader, "smuggled")

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{})}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, inbound)
	require.NoError(t, err)

	assert.Equal(t, "internal-key", gotKey.Load())
	assert.Equal(t, "trace-1", gotTrace.Load())
	assert.Equal(t, "", gotAuth.Load())
}

func TestSendUpdatesChangedTaskParams(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent(nil), config.ACPConfig{})

	task, err := f.tasks.CreateTask(context.Background(), &models.Task{
		AgentID: f.agent.ID,
		Params:  map[string]any{"model": "small"},
	})
	require.NoError(t, err)

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{
		TaskID:     task.ID,
		TaskParams: map[string]any{"model": "large"},
	})}
	_, err = f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	require.NoError(t, err)

	current, err := f.tasks.GetTask(context.Background(), storage.Selector{ID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, "large", current.Params["model"])
}

func TestSendToMissingTaskID(t *testing.T) {
	f := newFixture(t, agentmodels.ACPTypeAgentic, ndjsonAgent(nil), config.ACPConfig{})

	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: protocol.MethodMessageSend, Params: sendParams(t, messageSendParams{TaskID: "missing"})}
	_, err := f.dispatcher.Dispatch(context.Background(), f.sel(), req, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
