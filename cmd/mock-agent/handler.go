package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/task/models"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
	"github.com/agentmesh/agentmesh/pkg/acp/protocol"
)

// agentHandler answers the ACP methods on one endpoint. Lifecycle methods
// acknowledge; message/send streams the scenario selected by the prompt.
type agentHandler struct {
	log        *logger.Logger
	chunkDelay time.Duration
}

func (h *agentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, jsonrpc.NewErrorResponse("", jsonrpc.ParseError, "invalid JSON-RPC request"))
		return
	}
	h.log.Info("request", zap.String("method", req.Method), zap.String("id", req.ID))

	switch req.Method {
	case protocol.MethodTaskCreate:
		var p protocol.TaskCreateParams
		_ = json.Unmarshal(req.Params, &p)
		h.writeResult(w, req.ID, protocol.TaskCreateResult{TaskID: p.TaskID})
	case protocol.MethodTaskCancel:
		var p protocol.TaskCancelParams
		_ = json.Unmarshal(req.Params, &p)
		h.writeResult(w, req.ID, protocol.TaskCancelResult{TaskID: p.TaskID})
	case protocol.MethodEventSend:
		var p protocol.EventSendParams
		_ = json.Unmarshal(req.Params, &p)
		h.writeResult(w, req.ID, protocol.EventSendResult{TaskID: p.TaskID})
	case protocol.MethodMessageSend:
		h.messageSend(w, &req)
	default:
		writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found"))
	}
}

func (h *agentHandler) messageSend(w http.ResponseWriter, req *jsonrpc.Request) {
	var p protocol.MessageSendParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid params"))
		return
	}
	var content models.Content
	if err := json.Unmarshal(p.Content, &content); err != nil {
		writeResponse(w, jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "invalid content"))
		return
	}

	updates := scenarioFor(content.Text)

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i, update := range updates {
		if i > 0 && h.chunkDelay > 0 {
			time.Sleep(h.chunkDelay)
		}
		resp, err := jsonrpc.NewResponse(req.ID, update)
		if err != nil {
			h.log.Error("encode update", zap.Error(err))
			return
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *agentHandler) writeResult(w http.ResponseWriter, id string, result any) {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		h.log.Error("encode result", zap.Error(err))
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
