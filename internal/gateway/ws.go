package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/storage"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait)
	wsPingPeriod = (wsPongWait * 9) / 10
)

var taskStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchTask is the WebSocket mirror of the SSE task stream: the same
// connected frame followed by the task's bus events as JSON messages.
func (h *Handlers) watchTask(c *gin.Context) {
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
			h.log.Warn("dropping websocket event, slow consumer", zap.String("task_id", taskID))
		}
		return nil
	})
	if err != nil {
		respondError(c, storage.ServiceWrap(err, "subscribe to task events"))
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Warn("unsubscribe task watch", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	conn, err := taskStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Read pump: the peer sends nothing but pongs and the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeJSON := func(payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(payload)
	}
	if err := writeJSON(gin.H{"type": "connected", "taskId": taskID}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-events:
			if err := writeJSON(gin.H{"type": event.Type, "task": event.Data}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
