package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/acp"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
	"github.com/agentmesh/agentmesh/pkg/acp/protocol"
)

// githubWebhook validates a GitHub delivery against the key registered for
// the repository and forwards it to the owning agent as an event/send.
func (h *Handlers) githubWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty webhook body"})
		return
	}
	var payload struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook body is not a GitHub payload"})
		return
	}

	key, err := h.agents.GitHubKey(c.Request.Context(), payload.Repository.FullName)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := acp.ValidateGitHubSignature(key.Key, body, c.GetHeader(acp.GitHubSignatureHeader)); err != nil {
		respondError(c, err)
		return
	}

	h.forwardWebhookEvent(c, key.AgentID, payload.Repository.FullName, body)
}

// slackWebhook validates a Slack delivery: the timestamp must be within
// five minutes of wall clock before the signature is checked.
func (h *Handlers) slackWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty webhook body"})
		return
	}
	var payload struct {
		APIAppID string `json:"api_app_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.APIAppID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook body is not a Slack payload"})
		return
	}

	key, err := h.agents.SlackKey(c.Request.Context(), payload.APIAppID)
	if err != nil {
		respondError(c, err)
		return
	}
	err = acp.ValidateSlackSignature(
		key.Key,
		body,
		c.GetHeader(acp.SlackTimestampHeader),
		c.GetHeader(acp.SlackSignatureHeader),
		time.Now(),
	)
	if err != nil {
		respondError(c, err)
		return
	}

	h.forwardWebhookEvent(c, key.AgentID, payload.APIAppID, body)
}

// forwardWebhookEvent dispatches the validated payload as an event/send.
// The target task comes from the task_id or task_name query parameter,
// defaulting to a task named after the provider identifier.
func (h *Handlers) forwardWebhookEvent(c *gin.Context, agentID, identifier string, body []byte) {
	taskID := c.Query("task_id")
	taskName := c.Query("task_name")
	if taskID == "" && taskName == "" {
		taskName = identifier
	}

	var content map[string]any
	if err := json.Unmarshal(body, &content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook body is not a JSON object"})
		return
	}

	params, err := json.Marshal(map[string]any{
		"task_id":   taskID,
		"task_name": taskName,
		"content":   content,
	})
	if err != nil {
		respondError(c, storage.ServiceWrap(err, "encode event params"))
		return
	}
	req := &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      uuid.NewString(),
		Method:  protocol.MethodEventSend,
		Params:  params,
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), storage.Selector{ID: agentID}, req, c.Request.Header)
	if err != nil {
		h.log.Warn("webhook event dispatch failed", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": result})
}
