// Package protocol defines the Agent Control Protocol methods and their
// parameter and result shapes. Agents implement these methods behind a
// single JSON-RPC endpoint at <acp_url>/api; streamed replies are NDJSON
// sequences of responses carrying update chunks.
package protocol

import "encoding/json"

// ACP methods.
const (
	MethodTaskCreate  = "task/create"
	MethodMessageSend = "message/send"
	MethodTaskCancel  = "task/cancel"
	MethodEventSend   = "event/send"
)

// KnownMethod reports whether method is part of the protocol.
func KnownMethod(method string) bool {
	switch method {
	case MethodTaskCreate, MethodMessageSend, MethodTaskCancel, MethodEventSend:
		return true
	}
	return false
}

// TaskCreateParams announces a new task to an agentic agent.
type TaskCreateParams struct {
	TaskID   string         `json:"task_id"`
	Name     string         `json:"name,omitempty"`
	AgentID  string         `json:"agent_id"`
	Params   map[string]any `json:"params,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskCreateResult acknowledges task creation.
type TaskCreateResult struct {
	TaskID string `json:"task_id"`
}

// MessageSendParams delivers a user content item to the agent. Content is
// the tagged content union in its wire form.
type MessageSendParams struct {
	TaskID  string          `json:"task_id"`
	Content json.RawMessage `json:"content"`
}

// MessageSendResult is a synchronous reply: the agent's content items in
// wire form, in order.
type MessageSendResult struct {
	Contents []json.RawMessage `json:"contents"`
}

// TaskCancelParams asks the agent to stop work on a task.
type TaskCancelParams struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// TaskCancelResult acknowledges cancellation.
type TaskCancelResult struct {
	TaskID string `json:"task_id"`
}

// EventSendParams delivers an out-of-band event to the agent.
type EventSendParams struct {
	TaskID  string         `json:"task_id"`
	Content map[string]any `json:"content,omitempty"`
}

// EventSendResult acknowledges event delivery.
type EventSendResult struct {
	TaskID string `json:"task_id"`
}
