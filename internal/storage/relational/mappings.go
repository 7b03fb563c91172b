package relational

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	statemodels "github.com/agentmesh/agentmesh/internal/state/models"
	taskmodels "github.com/agentmesh/agentmesh/internal/task/models"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AgentMapping maps agents to the agents table.
type AgentMapping struct{}

func (AgentMapping) Table() string { return "agents" }
func (AgentMapping) Columns() []string {
	return []string{"id", "name", "description", "acp_url", "acp_type", "status", "created_at", "updated_at"}
}
func (AgentMapping) HasName() bool                   { return true }
func (AgentMapping) JSONColumns() map[string]struct{} { return nil }

func (AgentMapping) Encode(a *agentmodels.Agent) (map[string]any, error) {
	return map[string]any{
		"id":          a.ID,
		"name":        a.Name,
		"description": nullString(a.Description),
		"acp_url":     a.ACPURL,
		"acp_type":    string(a.ACPType),
		"status":      string(a.Status),
		"created_at":  a.CreatedAt,
		"updated_at":  a.UpdatedAt,
	}, nil
}

type agentRow struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	ACPURL      string         `db:"acp_url"`
	ACPType     string         `db:"acp_type"`
	Status      string         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (AgentMapping) Scan(rows *sqlx.Rows) (*agentmodels.Agent, error) {
	var row agentRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	agent := &agentmodels.Agent{
		Name:        row.Name,
		Description: row.Description.String,
		ACPURL:      row.ACPURL,
		ACPType:     agentmodels.ACPType(row.ACPType),
		Status:      agentmodels.AgentStatus(row.Status),
	}
	agent.ID = row.ID
	agent.CreatedAt = row.CreatedAt
	agent.UpdatedAt = row.UpdatedAt
	return agent, nil
}

// APIKeyMapping maps API keys to the api_keys table.
type APIKeyMapping struct{}

func (APIKeyMapping) Table() string { return "api_keys" }
func (APIKeyMapping) Columns() []string {
	return []string{"id", "agent_id", "type", "identifier", "key", "created_at", "updated_at"}
}
func (APIKeyMapping) HasName() bool                   { return false }
func (APIKeyMapping) JSONColumns() map[string]struct{} { return nil }

func (APIKeyMapping) Encode(k *agentmodels.APIKey) (map[string]any, error) {
	return map[string]any{
		"id":         k.ID,
		"agent_id":   k.AgentID,
		"type":       string(k.Type),
		"identifier": nullString(k.Identifier),
		"key":        k.Key,
		"created_at": k.CreatedAt,
		"updated_at": k.UpdatedAt,
	}, nil
}

type apiKeyRow struct {
	ID         string         `db:"id"`
	AgentID    string         `db:"agent_id"`
	Type       string         `db:"type"`
	Identifier sql.NullString `db:"identifier"`
	Key        string         `db:"key"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (APIKeyMapping) Scan(rows *sqlx.Rows) (*agentmodels.APIKey, error) {
	var row apiKeyRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	key := &agentmodels.APIKey{
		AgentID:    row.AgentID,
		Type:       agentmodels.APIKeyType(row.Type),
		Identifier: row.Identifier.String,
		Key:        row.Key,
	}
	key.ID = row.ID
	key.CreatedAt = row.CreatedAt
	key.UpdatedAt = row.UpdatedAt
	return key, nil
}

// TaskMapping maps tasks to the tasks table. Params and task_metadata are
// JSON document columns.
type TaskMapping struct{}

func (TaskMapping) Table() string { return "tasks" }
func (TaskMapping) Columns() []string {
	return []string{"id", "name", "agent_id", "status", "status_reason", "params", "task_metadata", "created_at", "updated_at"}
}
func (TaskMapping) HasName() bool { return true }
func (TaskMapping) JSONColumns() map[string]struct{} {
	return map[string]struct{}{"params": {}, "task_metadata": {}}
}

func (TaskMapping) Encode(t *taskmodels.Task) (map[string]any, error) {
	params, err := EncodeJSON(t.Params)
	if err != nil {
		return nil, err
	}
	metadata, err := EncodeJSON(t.TaskMetadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            t.ID,
		"name":          nullString(t.Name),
		"agent_id":      t.AgentID,
		"status":        string(t.Status),
		"status_reason": nullString(t.StatusReason),
		"params":        params,
		"task_metadata": metadata,
		"created_at":    t.CreatedAt,
		"updated_at":    t.UpdatedAt,
	}, nil
}

type taskRow struct {
	ID           string         `db:"id"`
	Name         sql.NullString `db:"name"`
	AgentID      string         `db:"agent_id"`
	Status       string         `db:"status"`
	StatusReason sql.NullString `db:"status_reason"`
	Params       sql.NullString `db:"params"`
	TaskMetadata sql.NullString `db:"task_metadata"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (TaskMapping) Scan(rows *sqlx.Rows) (*taskmodels.Task, error) {
	var row taskRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	task := &taskmodels.Task{
		Name:         row.Name.String,
		AgentID:      row.AgentID,
		Status:       taskmodels.TaskStatus(row.Status),
		StatusReason: row.StatusReason.String,
	}
	task.ID = row.ID
	task.CreatedAt = row.CreatedAt
	task.UpdatedAt = row.UpdatedAt
	if row.Params.Valid {
		if err := DecodeJSON(row.Params.String, &task.Params); err != nil {
			return nil, err
		}
	}
	if row.TaskMetadata.Valid {
		if err := DecodeJSON(row.TaskMetadata.String, &task.TaskMetadata); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// TaskMessageMapping maps task messages to the task_messages table. The
// content union is stored as its JSON wire form.
type TaskMessageMapping struct{}

func (TaskMessageMapping) Table() string { return "task_messages" }
func (TaskMessageMapping) Columns() []string {
	return []string{"id", "task_id", "content", "streaming_status", "created_at", "updated_at"}
}
func (TaskMessageMapping) HasName() bool { return false }
func (TaskMessageMapping) JSONColumns() map[string]struct{} {
	return map[string]struct{}{"content": {}}
}

func (TaskMessageMapping) Encode(m *taskmodels.TaskMessage) (map[string]any, error) {
	content, err := EncodeJSON(m.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":               m.ID,
		"task_id":          m.TaskID,
		"content":          content,
		"streaming_status": nullString(string(m.StreamingStatus)),
		"created_at":       m.CreatedAt,
		"updated_at":       m.UpdatedAt,
	}, nil
}

type taskMessageRow struct {
	ID              string         `db:"id"`
	TaskID          string         `db:"task_id"`
	Content         string         `db:"content"`
	StreamingStatus sql.NullString `db:"streaming_status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (TaskMessageMapping) Scan(rows *sqlx.Rows) (*taskmodels.TaskMessage, error) {
	var row taskMessageRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	msg := &taskmodels.TaskMessage{
		TaskID:          row.TaskID,
		StreamingStatus: taskmodels.StreamingStatus(row.StreamingStatus.String),
	}
	msg.ID = row.ID
	msg.CreatedAt = row.CreatedAt
	msg.UpdatedAt = row.UpdatedAt
	if err := DecodeJSON(row.Content, &msg.Content); err != nil {
		return nil, err
	}
	return msg, nil
}

// EventMapping maps events to the events table.
type EventMapping struct{}

func (EventMapping) Table() string { return "events" }
func (EventMapping) Columns() []string {
	return []string{"id", "task_id", "agent_id", "content", "created_at", "updated_at"}
}
func (EventMapping) HasName() bool { return false }
func (EventMapping) JSONColumns() map[string]struct{} {
	return map[string]struct{}{"content": {}}
}

func (EventMapping) Encode(e *taskmodels.Event) (map[string]any, error) {
	content, err := EncodeJSON(e.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         e.ID,
		"task_id":    e.TaskID,
		"agent_id":   e.AgentID,
		"content":    content,
		"created_at": e.CreatedAt,
		"updated_at": e.UpdatedAt,
	}, nil
}

type eventRow struct {
	ID        string         `db:"id"`
	TaskID    string         `db:"task_id"`
	AgentID   string         `db:"agent_id"`
	Content   sql.NullString `db:"content"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (EventMapping) Scan(rows *sqlx.Rows) (*taskmodels.Event, error) {
	var row eventRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	event := &taskmodels.Event{TaskID: row.TaskID, AgentID: row.AgentID}
	event.ID = row.ID
	event.CreatedAt = row.CreatedAt
	event.UpdatedAt = row.UpdatedAt
	if row.Content.Valid {
		if err := DecodeJSON(row.Content.String, &event.Content); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// StateMapping maps states to the states table.
type StateMapping struct{}

func (StateMapping) Table() string { return "states" }
func (StateMapping) Columns() []string {
	return []string{"id", "name", "content", "created_at", "updated_at"}
}
func (StateMapping) HasName() bool { return true }
func (StateMapping) JSONColumns() map[string]struct{} {
	return map[string]struct{}{"content": {}}
}

func (StateMapping) Encode(s *statemodels.State) (map[string]any, error) {
	content, err := EncodeJSON(s.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         s.ID,
		"name":       nullString(s.Name),
		"content":    content,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}, nil
}

type stateRow struct {
	ID        string         `db:"id"`
	Name      sql.NullString `db:"name"`
	Content   sql.NullString `db:"content"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (StateMapping) Scan(rows *sqlx.Rows) (*statemodels.State, error) {
	var row stateRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	state := &statemodels.State{Name: row.Name.String}
	state.ID = row.ID
	state.CreatedAt = row.CreatedAt
	state.UpdatedAt = row.UpdatedAt
	if row.Content.Valid {
		if err := DecodeJSON(row.Content.String, &state.Content); err != nil {
			return nil, err
		}
	}
	return state, nil
}
