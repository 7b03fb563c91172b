package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/rpc"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
)

func (h *Handlers) rpcByID(c *gin.Context) {
	h.handleRPC(c, storage.Selector{ID: c.Param("agent_id")})
}

func (h *Handlers) rpcByName(c *gin.Context) {
	h.handleRPC(c, storage.Selector{Name: c.Param("agent_name")})
}

func (h *Handlers) handleRPC(c *gin.Context, sel storage.Selector) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse("", jsonrpc.ParseError, "unreadable request body"))
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse("", jsonrpc.ParseError, "invalid JSON-RPC request"))
		return
	}

	if rpc.StreamRequested(&req) {
		h.streamRPC(c, sel, &req)
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), sel, &req, c.Request.Header)
	if err != nil {
		c.JSON(statusFor(err), jsonrpc.NewErrorResponse(req.ID, rpcCode(err), err.Error()))
		return
	}
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		c.JSON(http.StatusInternalServerError, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamRPC replies with newline-delimited JSON-RPC envelopes, one per
// update chunk. A failure before the first chunk is a plain HTTP error; a
// mid-stream failure emits one final envelope with error populated.
func (h *Handlers) streamRPC(c *gin.Context, sel storage.Selector, req *jsonrpc.Request) {
	wrote := false
	writeFrame := func(resp *jsonrpc.Response) error {
		if !wrote {
			c.Header("Content-Type", "application/x-ndjson")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
			wrote = true
		}
		line, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(append(line, '\n')); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	err := h.dispatcher.DispatchStream(c.Request.Context(), sel, req, c.Request.Header, func(u *models.TaskMessageUpdate) error {
		resp, err := jsonrpc.NewResponse(req.ID, u)
		if err != nil {
			return err
		}
		return writeFrame(resp)
	})
	if err == nil {
		if !wrote {
			// Stream with zero chunks still answers in stream shape.
			_ = writeFrame(&jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: json.RawMessage("null")})
		}
		return
	}

	if !wrote {
		c.JSON(statusFor(err), jsonrpc.NewErrorResponse(req.ID, rpcCode(err), err.Error()))
		return
	}
	h.log.Debug("rpc stream failed mid-flight", zap.Error(err))
	_ = writeFrame(jsonrpc.NewErrorResponse(req.ID, rpcCode(err), err.Error()))
}
