// Package service implements agent registration: agent CRUD and the API
// keys used for outbound agent authentication and inbound webhook
// validation.
package service

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Service manages registered agents and their API keys.
type Service struct {
	agents storage.Repository[*models.Agent]
	keys   storage.Repository[*models.APIKey]
	log    *logger.Logger
}

// New creates an agent service.
func New(
	agents storage.Repository[*models.Agent],
	keys storage.Repository[*models.APIKey],
	log *logger.Logger,
) *Service {
	return &Service{agents: agents, keys: keys, log: log}
}

func validACPType(t models.ACPType) bool {
	switch t {
	case models.ACPTypeAgentic, models.ACPTypeSync, models.ACPTypeAsync:
		return true
	}
	return false
}

func validKeyType(t models.APIKeyType) bool {
	switch t {
	case models.APIKeyTypeInternal, models.APIKeyTypeGitHub, models.APIKeyTypeSlack:
		return true
	}
	return false
}

// CreateAgent registers an agent. Status defaults to ACTIVE.
func (s *Service) CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.Name == "" {
		return nil, storage.Clientf("agent requires a name")
	}
	if agent.ACPURL == "" {
		return nil, storage.Clientf("agent requires an acp_url")
	}
	if !validACPType(agent.ACPType) {
		return nil, storage.Clientf("unknown acp_type %q", agent.ACPType)
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusActive
	}
	return s.agents.Create(ctx, agent)
}

// GetAgent returns the agent matching the selector.
func (s *Service) GetAgent(ctx context.Context, sel storage.Selector) (*models.Agent, error) {
	return s.agents.Get(ctx, sel)
}

// ListAgents returns agents matching the options.
func (s *Service) ListAgents(ctx context.Context, opts storage.ListOptions) ([]*models.Agent, error) {
	return s.agents.List(ctx, opts)
}

// UpdateAgent replaces the agent's mutable fields.
func (s *Service) UpdateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	if agent.ACPType != "" && !validACPType(agent.ACPType) {
		return nil, storage.Clientf("unknown acp_type %q", agent.ACPType)
	}
	return s.agents.Update(ctx, agent)
}

// DeleteAgent removes the agent and its API keys.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.keys.DeleteByField(ctx, "agent_id", agentID); err != nil {
		return err
	}
	return s.agents.Delete(ctx, agentID)
}

// CreateAPIKey binds a key to an agent. Provider keys require an
// identifier: the repository full name for GitHub, the app id for Slack.
func (s *Service) CreateAPIKey(ctx context.Context, key *models.APIKey) (*models.APIKey, error) {
	if key.AgentID == "" {
		return nil, storage.Clientf("api key requires an agent_id")
	}
	if key.Key == "" {
		return nil, storage.Clientf("api key requires a key value")
	}
	if !validKeyType(key.Type) {
		return nil, storage.Clientf("unknown api key type %q", key.Type)
	}
	if key.Type != models.APIKeyTypeInternal && key.Identifier == "" {
		return nil, storage.Clientf("%s api keys require an identifier", key.Type)
	}
	if _, err := s.agents.Get(ctx, storage.Selector{ID: key.AgentID}); err != nil {
		return nil, err
	}
	return s.keys.Create(ctx, key)
}

// ListAPIKeys returns the keys bound to an agent.
func (s *Service) ListAPIKeys(ctx context.Context, agentID string) ([]*models.APIKey, error) {
	return s.keys.FindByField(ctx, "agent_id", agentID, storage.FindOptions{})
}

// DeleteAPIKey removes a key.
func (s *Service) DeleteAPIKey(ctx context.Context, keyID string) error {
	return s.keys.Delete(ctx, keyID)
}

// InternalKey returns the agent's internal API key value, or empty when no
// internal key is registered.
func (s *Service) InternalKey(ctx context.Context, agentID string) (string, error) {
	keys, err := s.keys.List(ctx, storage.ListOptions{
		Filters: map[string]any{"agent_id": agentID, "type": string(models.APIKeyTypeInternal)},
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[0].Key, nil
}

// GitHubKey resolves the webhook key registered for a repository full name.
func (s *Service) GitHubKey(ctx context.Context, repoFullName string) (*models.APIKey, error) {
	return s.providerKey(ctx, models.APIKeyTypeGitHub, repoFullName, "")
}

// SlackKey resolves the signing key registered for a Slack app id.
func (s *Service) SlackKey(ctx context.Context, appID string) (*models.APIKey, error) {
	return s.providerKey(ctx, models.APIKeyTypeSlack, appID, "")
}

// AgentGitHubKey resolves the repository key scoped to one agent, for the
// forwarding path where the target agent is already known.
func (s *Service) AgentGitHubKey(ctx context.Context, agentID, repoFullName string) (*models.APIKey, error) {
	return s.providerKey(ctx, models.APIKeyTypeGitHub, repoFullName, agentID)
}

// AgentSlackKey resolves the signing key scoped to one agent.
func (s *Service) AgentSlackKey(ctx context.Context, agentID, appID string) (*models.APIKey, error) {
	return s.providerKey(ctx, models.APIKeyTypeSlack, appID, agentID)
}

func (s *Service) providerKey(ctx context.Context, keyType models.APIKeyType, identifier, agentID string) (*models.APIKey, error) {
	if identifier == "" {
		return nil, storage.Clientf("%s key lookup requires an identifier", keyType)
	}
	filters := map[string]any{"type": string(keyType), "identifier": identifier}
	if agentID != "" {
		filters["agent_id"] = agentID
	}
	keys, err := s.keys.List(ctx, storage.ListOptions{
		Filters: filters,
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, storage.NotFoundf("no %s key registered for %q", keyType, identifier)
	}
	return keys[0], nil
}
