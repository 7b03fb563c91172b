package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/storage"
)

const streamPingInterval = 15 * time.Second

// streamTask serves the task's live event feed over SSE. The first frame
// confirms the subscription; task_updated and message_updated events follow
// as they are published, with comment pings keeping idle connections open.
func (h *Handlers) streamTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, err := h.tasks.GetTask(c.Request.Context(), storage.Selector{ID: taskID}); err != nil {
		respondError(c, err)
		return
	}

	events := make(chan *bus.Event, 16)
	sub, err := h.bus.Subscribe(bus.TaskSubject(taskID), func(_ context.Context, event *bus.Event) error {
		select {
		case events <- event:
		default:
			h.log.Warn("dropping stream event, slow consumer", zap.String("task_id", taskID))
		}
		return nil
	})
	if err != nil {
		respondError(c, storage.ServiceWrap(err, "subscribe to task events"))
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Warn("unsubscribe task stream", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeFrame := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			h.log.Warn("encode stream frame", zap.Error(err))
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	if !writeFrame(gin.H{"type": "connected", "taskId": taskID}) {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event := <-events:
			if !writeFrame(gin.H{"type": event.Type, "task": event.Data}) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
