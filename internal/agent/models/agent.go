// Package models defines the agent registration entities.
package models

import "github.com/agentmesh/agentmesh/internal/storage"

// ACPType classifies how an agent's ACP endpoint is driven.
type ACPType string

// Agent ACP types.
const (
	ACPTypeAgentic ACPType = "AGENTIC"
	ACPTypeSync    ACPType = "SYNC"
	ACPTypeAsync   ACPType = "ASYNC"
)

// AgentStatus is the registration status of an agent.
type AgentStatus string

// Agent statuses.
const (
	AgentStatusActive   AgentStatus = "ACTIVE"
	AgentStatusInactive AgentStatus = "INACTIVE"
)

// Agent is a registered external service addressable by id or name and
// exposing an ACP endpoint.
type Agent struct {
	storage.Base `bson:",inline"`

	Name        string      `json:"name" db:"name" bson:"name"`
	Description string      `json:"description" db:"description" bson:"description"`
	ACPURL      string      `json:"acp_url" db:"acp_url" bson:"acp_url"`
	ACPType     ACPType     `json:"acp_type" db:"acp_type" bson:"acp_type"`
	Status      AgentStatus `json:"status" db:"status" bson:"status"`
}

// GetName returns the agent's unique name.
func (a *Agent) GetName() string { return a.Name }

// APIKeyType identifies the provider an API key authenticates.
type APIKeyType string

// API key types.
const (
	// APIKeyTypeInternal keys authenticate the control plane to the agent
	// via the x-agent-api-key header.
	APIKeyTypeInternal APIKeyType = "INTERNAL"

	// APIKeyTypeGitHub keys validate GitHub webhook signatures; Identifier
	// holds the repository full name.
	APIKeyTypeGitHub APIKeyType = "GITHUB"

	// APIKeyTypeSlack keys validate Slack request signatures; Identifier
	// holds the Slack app id.
	APIKeyTypeSlack APIKeyType = "SLACK"
)

// APIKey binds a secret to an agent for outbound authentication or inbound
// webhook validation.
type APIKey struct {
	storage.Base `bson:",inline"`

	AgentID    string     `json:"agent_id" db:"agent_id" bson:"agent_id"`
	Type       APIKeyType `json:"type" db:"type" bson:"type"`
	Identifier string     `json:"identifier" db:"identifier" bson:"identifier"`
	Key        string     `json:"key" db:"key" bson:"key"`
}
