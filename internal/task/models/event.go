package models

import "github.com/agentmesh/agentmesh/internal/storage"

// Event is an out-of-band signal delivered to a task, e.g. a webhook
// payload. Events are immutable once created.
type Event struct {
	storage.Base `bson:",inline"`

	TaskID  string         `json:"task_id" db:"task_id" bson:"task_id"`
	AgentID string         `json:"agent_id" db:"agent_id" bson:"agent_id"`
	Content map[string]any `json:"content,omitempty" db:"content" bson:"content,omitempty"`
}
