// Package models defines the task, message, and event entities exchanged
// between the dispatcher, the storage layer, and callers.
package models

import "github.com/agentmesh/agentmesh/internal/storage"

// TaskStatus is the lifecycle state of a task. RUNNING is the only
// non-terminal state; every other status is a sink.
type TaskStatus string

// Task statuses.
const (
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCanceled   TaskStatus = "CANCELED"
	TaskStatusTerminated TaskStatus = "TERMINATED"
	TaskStatusTimedOut   TaskStatus = "TIMED_OUT"
)

// Terminal reports whether the status is a sink.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled,
		TaskStatusTerminated, TaskStatusTimedOut:
		return true
	}
	return false
}

// Task is a long-lived conversation unit owned by a single agent.
type Task struct {
	storage.Base `bson:",inline"`

	Name         string         `json:"name,omitempty" db:"name" bson:"name,omitempty"`
	AgentID      string         `json:"agent_id" db:"agent_id" bson:"agent_id"`
	Status       TaskStatus     `json:"status" db:"status" bson:"status"`
	StatusReason string         `json:"status_reason,omitempty" db:"status_reason" bson:"status_reason,omitempty"`
	Params       map[string]any `json:"params,omitempty" db:"params" bson:"params,omitempty"`
	TaskMetadata map[string]any `json:"task_metadata,omitempty" db:"task_metadata" bson:"task_metadata,omitempty"`
}

// GetName returns the task's name; empty when the task is unnamed.
func (t *Task) GetName() string { return t.Name }
