package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/storage"
)

func intQuery(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return value
}

func (h *Handlers) listTasks(c *gin.Context) {
	filters := map[string]any{}
	agentID := c.Query("agent_id")

	if agentName := c.Query("agent_name"); agentName != "" {
		agent, err := h.agents.GetAgent(c.Request.Context(), storage.Selector{Name: agentName})
		if err != nil {
			respondError(c, err)
			return
		}
		// Both identifiers may be combined; disagreement matches nothing.
		if agentID != "" && agentID != agent.ID {
			c.JSON(http.StatusOK, gin.H{"tasks": []any{}})
			return
		}
		agentID = agent.ID
	}
	if agentID != "" {
		filters["agent_id"] = agentID
	}

	tasks, err := h.tasks.ListTasks(c.Request.Context(), storage.ListOptions{
		Filters:        filters,
		Limit:          intQuery(c, "limit"),
		PageNumber:     intQuery(c, "page_number"),
		OrderBy:        c.Query("order_by"),
		OrderDirection: c.Query("order_direction"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), storage.Selector{ID: c.Param("task_id")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) getTaskByName(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), storage.Selector{Name: c.Param("task_name")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type updateTaskRequest struct {
	TaskMetadata map[string]any `json:"task_metadata"`
}

// updateTask accepts mutable fields only; metadata entries with a null
// value delete the key.
func (h *Handlers) updateTask(c *gin.Context) {
	var body updateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.tasks.UpdateMetadata(c.Request.Context(), c.Param("task_id"), body.TaskMetadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) deleteTask(c *gin.Context) {
	if err := h.tasks.DeleteTask(c.Request.Context(), c.Param("task_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) deleteTaskByName(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), storage.Selector{Name: c.Param("task_name")})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.tasks.DeleteTask(c.Request.Context(), task.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listTaskMessages(c *gin.Context) {
	messages, err := h.tasks.ListMessages(c.Request.Context(), c.Param("task_id"), storage.CursorOptions{
		Limit:    intQuery(c, "limit"),
		AfterID:  c.Query("after_id"),
		BeforeID: c.Query("before_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
