package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/storage"
)

type agentRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	ACPURL      string             `json:"acp_url"`
	ACPType     models.ACPType     `json:"acp_type"`
	Status      models.AgentStatus `json:"status"`
}

func (h *Handlers) createAgent(c *gin.Context) {
	var body agentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.agents.CreateAgent(c.Request.Context(), &models.Agent{
		Name:        body.Name,
		Description: body.Description,
		ACPURL:      body.ACPURL,
		ACPType:     body.ACPType,
		Status:      body.Status,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handlers) listAgents(c *gin.Context) {
	agents, err := h.agents.ListAgents(c.Request.Context(), storage.ListOptions{
		Limit:      intQuery(c, "limit"),
		PageNumber: intQuery(c, "page_number"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.agents.GetAgent(c.Request.Context(), storage.Selector{ID: c.Param("agent_id")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) getAgentByName(c *gin.Context) {
	agent, err := h.agents.GetAgent(c.Request.Context(), storage.Selector{Name: c.Param("agent_name")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) updateAgent(c *gin.Context) {
	var body agentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.agents.GetAgent(c.Request.Context(), storage.Selector{ID: c.Param("agent_id")})
	if err != nil {
		respondError(c, err)
		return
	}
	if body.Name != "" {
		agent.Name = body.Name
	}
	if body.Description != "" {
		agent.Description = body.Description
	}
	if body.ACPURL != "" {
		agent.ACPURL = body.ACPURL
	}
	if body.ACPType != "" {
		agent.ACPType = body.ACPType
	}
	if body.Status != "" {
		agent.Status = body.Status
	}
	updated, err := h.agents.UpdateAgent(c.Request.Context(), agent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) deleteAgent(c *gin.Context) {
	if err := h.agents.DeleteAgent(c.Request.Context(), c.Param("agent_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type apiKeyRequest struct {
	Type       models.APIKeyType `json:"type"`
	Identifier string            `json:"identifier"`
	Key        string            `json:"key"`
}

func (h *Handlers) createAPIKey(c *gin.Context) {
	var body apiKeyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	key, err := h.agents.CreateAPIKey(c.Request.Context(), &models.APIKey{
		AgentID:    c.Param("agent_id"),
		Type:       body.Type,
		Identifier: body.Identifier,
		Key:        body.Key,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *Handlers) listAPIKeys(c *gin.Context) {
	keys, err := h.agents.ListAPIKeys(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	// Key values never leave the service.
	type redacted struct {
		ID         string            `json:"id"`
		Type       models.APIKeyType `json:"type"`
		Identifier string            `json:"identifier,omitempty"`
	}
	out := make([]redacted, 0, len(keys))
	for _, key := range keys {
		out = append(out, redacted{ID: key.ID, Type: key.Type, Identifier: key.Identifier})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

func (h *Handlers) deleteAPIKey(c *gin.Context) {
	if err := h.agents.DeleteAPIKey(c.Request.Context(), c.Param("key_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
