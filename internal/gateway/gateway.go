// Package gateway exposes the HTTP surface of the control plane: the RPC
// endpoints, agent and task CRUD, the state store, webhook intake, and the
// SSE and WebSocket task streams.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/acp"
	agentservice "github.com/agentmesh/agentmesh/internal/agent/service"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/rpc"
	statemodels "github.com/agentmesh/agentmesh/internal/state/models"
	"github.com/agentmesh/agentmesh/internal/storage"
	taskservice "github.com/agentmesh/agentmesh/internal/task/service"
)

// StateRepository is the storage port for state documents plus the
// per-request phase override used by the storage_backend query parameter.
type StateRepository interface {
	storage.Repository[*statemodels.State]
	WithPhase(phase string) storage.Repository[*statemodels.State]
}

// staticStates adapts a plain repository when no dual backend is
// configured; phase overrides become no-ops.
type staticStates struct {
	storage.Repository[*statemodels.State]
}

func (s staticStates) WithPhase(string) storage.Repository[*statemodels.State] {
	return s.Repository
}

// StaticStates wraps a single-backend state repository as a
// StateRepository.
func StaticStates(repo storage.Repository[*statemodels.State]) StateRepository {
	return staticStates{repo}
}

// Handlers carries the services behind the HTTP surface.
type Handlers struct {
	agents     *agentservice.Service
	tasks      *taskservice.Service
	states     StateRepository
	dispatcher *rpc.Dispatcher
	acp        *acp.Client
	bus        bus.EventBus
	log        *logger.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(
	agents *agentservice.Service,
	tasks *taskservice.Service,
	states StateRepository,
	dispatcher *rpc.Dispatcher,
	client *acp.Client,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		agents:     agents,
		tasks:      tasks,
		states:     states,
		dispatcher: dispatcher,
		acp:        client,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes mounts the HTTP surface on the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.POST("/agents", h.createAgent)
	api.GET("/agents", h.listAgents)
	api.GET("/agents/:agent_id", h.getAgent)
	api.GET("/agents/name/:agent_name", h.getAgentByName)
	api.PUT("/agents/:agent_id", h.updateAgent)
	api.DELETE("/agents/:agent_id", h.deleteAgent)
	api.POST("/agents/:agent_id/keys", h.createAPIKey)
	api.GET("/agents/:agent_id/keys", h.listAPIKeys)
	api.DELETE("/agents/:agent_id/keys/:key_id", h.deleteAPIKey)

	api.POST("/agents/:agent_id/rpc", h.rpcByID)
	api.POST("/agents/name/:agent_name/rpc", h.rpcByName)
	api.GET("/agents/forward/name/:agent_name/*path", h.forwardToAgent)
	api.POST("/agents/forward/name/:agent_name/*path", h.forwardToAgent)

	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:task_id", h.getTask)
	api.GET("/tasks/name/:task_name", h.getTaskByName)
	api.PUT("/tasks/:task_id", h.updateTask)
	api.DELETE("/tasks/:task_id", h.deleteTask)
	api.DELETE("/tasks/name/:task_name", h.deleteTaskByName)
	api.GET("/tasks/:task_id/messages", h.listTaskMessages)

	api.POST("/states", h.createState)
	api.GET("/states", h.listStates)
	api.GET("/states/:state_id", h.getState)
	api.GET("/states/name/:state_name", h.getStateByName)
	api.PUT("/states/:state_id", h.updateState)
	api.DELETE("/states/:state_id", h.deleteState)

	api.POST("/webhooks/github", h.githubWebhook)
	api.POST("/webhooks/slack", h.slackWebhook)

	api.GET("/streams/tasks/:task_id", h.streamTask)
	router.GET("/ws/tasks/:task_id", h.watchTask)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentmesh"})
	})
}
