package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/acp"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// forwardedResponseHeaders are the agent response headers relayed back to
// the caller.
var forwardedResponseHeaders = []string{"Content-Type", "Cache-Control"}

// forwardToAgent proxies an inbound request to the agent's ACP URL at the
// requested path. Client headers pass the x- allow-list filter, the agent's
// auth headers are overlaid last, and provider-signed deliveries are
// validated before anything leaves the control plane.
func (h *Handlers) forwardToAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.agents.GetAgent(ctx, storage.Selector{Name: c.Param("agent_name")})
	if err != nil {
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	if err := h.checkProviderSignature(c, agent.ID, body); err != nil {
		respondError(c, err)
		return
	}

	headers := acp.ForwardableHeaders(c.Request.Header)
	if ct := c.GetHeader("Content-Type"); ct != "" {
		headers.Set("Content-Type", ct)
	}
	if headers.Get("x-request-id") == "" {
		headers.Set("x-request-id", uuid.NewString())
	}
	key, err := h.agents.InternalKey(ctx, agent.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	acp.WithAgentKey(headers, key)

	resp, err := h.acp.Forward(ctx, agent.ACPURL, c.Request.Method, c.Param("path"),
		c.Request.URL.RawQuery, bytes.NewReader(body), headers)
	if err != nil {
		respondError(c, err)
		return
	}
	defer resp.Body.Close()

	for _, name := range forwardedResponseHeaders {
		if value := resp.Header.Get(name); value != "" {
			c.Header(name, value)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}

// checkProviderSignature validates GitHub and Slack deliveries when their
// signature headers are present. The signing key must belong to the target
// agent.
func (h *Handlers) checkProviderSignature(c *gin.Context, agentID string, body []byte) error {
	if sig := c.GetHeader(acp.GitHubSignatureHeader); sig != "" {
		var payload struct {
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
			return storage.Clientf("webhook body is not a GitHub payload")
		}
		key, err := h.agents.AgentGitHubKey(c.Request.Context(), agentID, payload.Repository.FullName)
		if err != nil {
			return err
		}
		return acp.ValidateGitHubSignature(key.Key, body, sig)
	}
	if sig := c.GetHeader(acp.SlackSignatureHeader); sig != "" {
		var payload struct {
			APIAppID string `json:"api_app_id"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.APIAppID == "" {
			return storage.Clientf("webhook body is not a Slack payload")
		}
		key, err := h.agents.AgentSlackKey(c.Request.Context(), agentID, payload.APIAppID)
		if err != nil {
			return err
		}
		return acp.ValidateSlackSignature(key.Key, body,
			c.GetHeader(acp.SlackTimestampHeader), sig, time.Now())
	}
	return nil
}
