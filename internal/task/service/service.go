// Package service implements task lifecycle management: creation, status
// transitions, metadata, message history, and update publication on the
// event bus.
package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
)

// Event types published on task subjects.
const (
	EventTaskUpdated    = "task_updated"
	EventMessageUpdated = "message_updated"
)

const eventSource = "task-service"

// Service coordinates task state and history around the storage port.
type Service struct {
	tasks    storage.Repository[*models.Task]
	messages storage.Repository[*models.TaskMessage]
	events   storage.Repository[*models.Event]
	bus      bus.EventBus
	log      *logger.Logger
}

// New creates a task service.
func New(
	tasks storage.Repository[*models.Task],
	messages storage.Repository[*models.TaskMessage],
	events storage.Repository[*models.Event],
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{tasks: tasks, messages: messages, events: events, bus: eventBus, log: log}
}

// CreateTask persists a new task. Status defaults to RUNNING.
func (s *Service) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.AgentID == "" {
		return nil, storage.Clientf("task requires an agent_id")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusRunning
	}
	created, err := s.tasks.Create(ctx, task)
	if err != nil {
		return nil, err
	}
	s.publishTaskUpdate(ctx, created)
	return created, nil
}

// GetTask returns the task matching the selector.
func (s *Service) GetTask(ctx context.Context, sel storage.Selector) (*models.Task, error) {
	return s.tasks.Get(ctx, sel)
}

// ListTasks returns tasks matching the options.
func (s *Service) ListTasks(ctx context.Context, opts storage.ListOptions) ([]*models.Task, error) {
	return s.tasks.List(ctx, opts)
}

// UpdateStatus transitions the task to status. Terminal statuses are sinks:
// re-applying the current terminal status is an idempotent no-op, any other
// transition out of a terminal status is a client error. Updates publish a
// task_updated event; the idempotent no-op does not.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, reason string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, storage.Selector{ID: taskID})
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		if task.Status == status {
			return task, nil
		}
		return nil, storage.Clientf("task %s is already %s", taskID, task.Status)
	}

	task.Status = status
	task.StatusReason = reason
	updated, err := s.tasks.Update(ctx, task)
	if err != nil {
		return nil, err
	}
	s.publishTaskUpdate(ctx, updated)
	return updated, nil
}

// UpdateMetadata merges entries into the task's metadata; a nil value
// removes the key.
func (s *Service) UpdateMetadata(ctx context.Context, taskID string, metadata map[string]any) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, storage.Selector{ID: taskID})
	if err != nil {
		return nil, err
	}
	if task.TaskMetadata == nil {
		task.TaskMetadata = make(map[string]any, len(metadata))
	}
	for key, value := range metadata {
		if value == nil {
			delete(task.TaskMetadata, key)
			continue
		}
		task.TaskMetadata[key] = value
	}
	updated, err := s.tasks.Update(ctx, task)
	if err != nil {
		return nil, err
	}
	s.publishTaskUpdate(ctx, updated)
	return updated, nil
}

// UpdateParams replaces the task's parameters.
func (s *Service) UpdateParams(ctx context.Context, taskID string, params map[string]any) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, storage.Selector{ID: taskID})
	if err != nil {
		return nil, err
	}
	task.Params = params
	return s.tasks.Update(ctx, task)
}

// DeleteTask removes the task. Deletes are rejected while messages or
// events still reference it.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	msgs, err := s.messages.FindByField(ctx, "task_id", taskID, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return storage.Clientf("task %s has messages and cannot be deleted", taskID)
	}
	events, err := s.events.FindByField(ctx, "task_id", taskID, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		return storage.Clientf("task %s has events and cannot be deleted", taskID)
	}
	return s.tasks.Delete(ctx, taskID)
}

// CreateMessage appends a content item to the task's history.
func (s *Service) CreateMessage(ctx context.Context, msg *models.TaskMessage) (*models.TaskMessage, error) {
	if msg.TaskID == "" {
		return nil, storage.Clientf("message requires a task_id")
	}
	created, err := s.messages.Create(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.publishMessageUpdate(ctx, created)
	return created, nil
}

// CreateMessages appends a batch of content items in order, publishing one
// update per message.
func (s *Service) CreateMessages(ctx context.Context, msgs []*models.TaskMessage) ([]*models.TaskMessage, error) {
	for _, msg := range msgs {
		if msg.TaskID == "" {
			return nil, storage.Clientf("message requires a task_id")
		}
	}
	created, err := s.messages.BatchCreate(ctx, msgs)
	if err != nil {
		return nil, err
	}
	for _, msg := range created {
		s.publishMessageUpdate(ctx, msg)
	}
	return created, nil
}

// UpdateMessage replaces a message's content, used while streamed replies
// accumulate.
func (s *Service) UpdateMessage(ctx context.Context, msg *models.TaskMessage) (*models.TaskMessage, error) {
	updated, err := s.messages.Update(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.publishMessageUpdate(ctx, updated)
	return updated, nil
}

// ListMessages returns a cursor page of the task's history, newest first.
func (s *Service) ListMessages(ctx context.Context, taskID string, opts storage.CursorOptions) ([]*models.TaskMessage, error) {
	if _, err := s.tasks.Get(ctx, storage.Selector{ID: taskID}); err != nil {
		return nil, err
	}
	return s.messages.FindByFieldWithCursor(ctx, "task_id", taskID, opts)
}

// CreateEvent records an out-of-band event against the task.
func (s *Service) CreateEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	if event.TaskID == "" {
		return nil, storage.Clientf("event requires a task_id")
	}
	return s.events.Create(ctx, event)
}

func (s *Service) publishTaskUpdate(ctx context.Context, task *models.Task) {
	data := map[string]any{
		"task_id":       task.ID,
		"status":        string(task.Status),
		"status_reason": task.StatusReason,
	}
	event := bus.NewEvent(EventTaskUpdated, eventSource, data)
	if err := s.bus.Publish(ctx, bus.TaskSubject(task.ID), event); err != nil {
		s.log.Warn("publish task update", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Service) publishMessageUpdate(ctx context.Context, msg *models.TaskMessage) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		s.log.Warn("encode message content", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	data := map[string]any{
		"task_id":          msg.TaskID,
		"message_id":       msg.ID,
		"content":          json.RawMessage(content),
		"streaming_status": string(msg.StreamingStatus),
	}
	event := bus.NewEvent(EventMessageUpdated, eventSource, data)
	if err := s.bus.Publish(ctx, bus.TaskSubject(msg.TaskID), event); err != nil {
		s.log.Warn("publish message update", zap.String("task_id", msg.TaskID), zap.Error(err))
	}
}
