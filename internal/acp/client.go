// Package acp drives outbound Agent Control Protocol calls: synchronous
// JSON-RPC requests, NDJSON streaming replies, request header propagation,
// and inbound webhook signature validation.
package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
)

// Streamed reply lines can carry full content snapshots; give the scanner
// room.
const maxStreamLineBytes = 1 << 20

// Client sends JSON-RPC requests to agent ACP endpoints.
type Client struct {
	httpClient *http.Client
	cfg        config.ACPConfig
	log        *logger.Logger
}

// NewClient creates a client with the configured connect timeout. The
// overall request deadline comes from the caller's context so streams can
// outlive the sync timeout.
func NewClient(cfg config.ACPConfig, log *logger.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeoutDuration(),
		}).DialContext,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		cfg:        cfg,
		log:        log,
	}
}

// endpoint returns the single JSON-RPC endpoint of an agent.
func endpoint(acpURL string) string {
	return strings.TrimRight(acpURL, "/") + "/api"
}

func (c *Client) newHTTPRequest(ctx context.Context, acpURL string, rpcReq *jsonrpc.Request, headers http.Header) (*http.Request, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, storage.ServiceWrap(err, "marshal rpc request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(acpURL), bytes.NewReader(body))
	if err != nil {
		return nil, storage.ServiceWrap(err, "build http request")
	}
	for name, values := range headers {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// Call sends a synchronous JSON-RPC request and decodes the single
// response. The agent must echo the request id.
func (c *Client) Call(ctx context.Context, acpURL string, rpcReq *jsonrpc.Request, headers http.Header) (*jsonrpc.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeoutDuration())
	defer cancel()

	httpReq, err := c.newHTTPRequest(ctx, acpURL, rpcReq, headers)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	c.log.Debug("acp call",
		zap.String("url", httpReq.URL.String()),
		zap.String("method", rpcReq.Method),
		zap.String("request_id", rpcReq.ID),
	)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, storage.ServiceWrap(err, "call agent")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, storage.Servicef("agent returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&rpcResp); err != nil {
		return nil, storage.ServiceWrap(err, "decode agent response")
	}
	if rpcResp.ID != rpcReq.ID {
		return nil, storage.Servicef("agent response id %q does not match request id %q", rpcResp.ID, rpcReq.ID)
	}
	return &rpcResp, nil
}

// Stream is an open NDJSON reply stream. Callers must Close it on every
// exit path.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	requestID string
}

// Next returns the next response line. io.EOF signals a cleanly finished
// stream.
func (s *Stream) Next() (*jsonrpc.Response, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, storage.ServiceWrap(err, "decode stream line")
		}
		if resp.ID != s.requestID {
			return nil, storage.Servicef("stream line id %q does not match request id %q", resp.ID, s.requestID)
		}
		return &resp, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, storage.ServiceWrap(err, "read stream")
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Stream sends a JSON-RPC request expecting an NDJSON streamed reply. The
// caller's context bounds the whole stream.
func (c *Client) Stream(ctx context.Context, acpURL string, rpcReq *jsonrpc.Request, headers http.Header) (*Stream, error) {
	httpReq, err := c.newHTTPRequest(ctx, acpURL, rpcReq, headers)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")

	c.log.Debug("acp stream",
		zap.String("url", httpReq.URL.String()),
		zap.String("method", rpcReq.Method),
		zap.String("request_id", rpcReq.ID),
	)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, storage.ServiceWrap(err, "call agent")
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		_ = httpResp.Body.Close()
		return nil, storage.Servicef("agent returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	return &Stream{body: httpResp.Body, scanner: scanner, requestID: rpcReq.ID}, nil
}

// Forward proxies an arbitrary inbound request to a path under the agent's
// ACP URL. Headers must already be filtered; the caller owns the returned
// response body and must close it on every exit path.
func (c *Client) Forward(ctx context.Context, acpURL, method, path, rawQuery string, body io.Reader, headers http.Header) (*http.Response, error) {
	target := strings.TrimRight(acpURL, "/") + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, storage.ServiceWrap(err, "build forward request")
	}
	for name, values := range headers {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}

	c.log.Debug("acp forward",
		zap.String("url", target),
		zap.String("method", method),
	)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, storage.ServiceWrap(err, "forward to agent")
	}
	return httpResp, nil
}

// RPCError converts a JSON-RPC error object into the shared error kinds:
// invalid params map to client errors, everything else to service errors.
func RPCError(rpcErr *jsonrpc.Error) error {
	if rpcErr == nil {
		return nil
	}
	switch rpcErr.Code {
	case jsonrpc.InvalidParams, jsonrpc.InvalidRequest:
		return fmt.Errorf("agent rejected request: %s: %w", rpcErr.Message, storage.ErrClient)
	default:
		return fmt.Errorf("agent error %d: %s: %w", rpcErr.Code, rpcErr.Message, storage.ErrService)
	}
}
