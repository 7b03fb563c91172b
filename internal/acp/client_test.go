package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
)

func testClient() *Client {
	return NewClient(config.ACPConfig{RequestTimeout: 5, ConnectTimeout: 2}, logger.Default())
}

func TestCallRoundTrip(t *testing.T) {
	var gotPath, gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get(AgentAPIKeyHeader)

		var req jsonrpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, err := jsonrpc.NewResponse(req.ID, map[string]any{"task_id": "t1"})
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	req, err := jsonrpc.NewRequest("task/create", "t1", map[string]any{"task_id": "t1"})
	require.NoError(t, err)

	headers := WithAgentKey(http.Header{}, "internal-key")
	resp, err := testClient().Call(context.Background(), server.URL, req, headers)
	require.NoError(t, err)

	assert.Equal(t, "/api", gotPath)
	assert.Equal(t, "internal-key", gotAPIKey)
	assert.Equal(t, "task/create-t1", resp.ID)
	assert.Nil(t, resp.Error)
}

func TestCallRejectsMismatchedID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := jsonrpc.NewResponse("some-other-id", map[string]any{})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	req, err := jsonrpc.NewRequest("task/create", "t1", map[string]any{})
	require.NoError(t, err)

	_, err = testClient().Call(context.Background(), server.URL, req, nil)
	assert.ErrorIs(t, err, storage.ErrService)
}

func TestCallSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	req, err := jsonrpc.NewRequest("task/create", "t1", map[string]any{})
	require.NoError(t, err)

	_, err = testClient().Call(context.Background(), server.URL, req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrService)
	assert.Contains(t, err.Error(), "500")
}

func TestStreamReadsNDJSONLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))

		var req jsonrpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 0; i < 3; i++ {
			resp, err := jsonrpc.NewResponse(req.ID, map[string]any{"index": i})
			require.NoError(t, err)
			line, err := json.Marshal(resp)
			require.NoError(t, err)
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	defer server.Close()

	req, err := jsonrpc.NewRequest("message/send", "t1", map[string]any{})
	require.NoError(t, err)

	stream, err := testClient().Stream(context.Background(), server.URL, req, nil)
	require.NoError(t, err)
	defer stream.Close()

	for i := 0; i < 3; i++ {
		resp, err := stream.Next()
		require.NoError(t, err)
		var result map[string]any
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.Equal(t, float64(i), result["index"])
	}
	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStreamRejectsMismatchedID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := jsonrpc.NewResponse("rogue-id", map[string]any{})
		line, _ := json.Marshal(resp)
		fmt.Fprintf(w, "%s\n", line)
	}))
	defer server.Close()

	req, err := jsonrpc.NewRequest("message/send", "t1", map[string]any{})
	require.NoError(t, err)

	stream, err := testClient().Stream(context.Background(), server.URL, req, nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	assert.ErrorIs(t, err, storage.ErrService)
}

func TestRPCErrorMapping(t *testing.T) {
	assert.NoError(t, RPCError(nil))

	err := RPCError(&jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "bad params"})
	assert.ErrorIs(t, err, storage.ErrClient)

	err = RPCError(&jsonrpc.Error{Code: jsonrpc.InternalError, Message: "boom"})
	assert.ErrorIs(t, err, storage.ErrService)
}
