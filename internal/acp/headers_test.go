package acp

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardableHeadersKeepsCustomXHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("X-Request-Id", "req-1")
	in.Set("X-Trace-Context", "abc")
	in.Set("Content-Type", "application/json")
	in.Set("Accept", "application/json")

	out := ForwardableHeaders(in)
	assert.Equal(t, "req-1", out.Get("X-Request-Id"))
	assert.Equal(t, "abc", out.Get("X-Trace-Context"))
	assert.Empty(t, out.Get("Content-Type"))
	assert.Empty(t, out.Get("Accept"))
}

func TestForwardableHeadersStripsSensitiveHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer secret")
	in.Set("Cookie", "session=1")
	in.Set("X-Agent-Api-Key", "smuggled")
	in.Set("X-Forwarded-For", "10.0.0.1")
	in.Set("Transfer-Encoding", "chunked")

	out := ForwardableHeaders(in)
	assert.Empty(t, out)
}

func TestForwardableHeadersIsIdempotent(t *testing.T) {
	in := http.Header{}
	in.Set("X-Request-Id", "req-1")
	in.Set("Authorization", "Bearer secret")

	once := ForwardableHeaders(in)
	twice := ForwardableHeaders(once)
	assert.Equal(t, once, twice)
}

func TestWithAgentKeyOverlaysLast(t *testing.T) {
	in := http.Header{}
	in.Set("X-Agent-Api-Key", "smuggled")
	in.Set("X-Request-Id", "req-1")

	out := WithAgentKey(ForwardableHeaders(in), "internal-key")
	assert.Equal(t, "internal-key", out.Get(AgentAPIKeyHeader))
	assert.Equal(t, "req-1", out.Get("X-Request-Id"))

	// No configured key leaves the header unset.
	out = WithAgentKey(ForwardableHeaders(in), "")
	assert.Empty(t, out.Get(AgentAPIKeyHeader))
}
