package acp

import (
	"net/http"
	"strings"
)

// AgentAPIKeyHeader authenticates the control plane to the agent. It is
// always stripped from inbound headers before the overlay sets it, so a
// caller can never smuggle their own key through.
const AgentAPIKeyHeader = "x-agent-api-key"

// blockedHeaders never propagate to agents, x- prefix or not.
var blockedHeaders = map[string]struct{}{
	"authorization":    {},
	"cookie":           {},
	AgentAPIKeyHeader:  {},
	"x-forwarded-for":  {},
	"x-forwarded-host": {},
}

// hop-by-hop headers per RFC 7230 section 6.1.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// ForwardableHeaders filters inbound request headers down to the set
// propagated to agents: custom x- headers minus hop-by-hop and blocked
// names. The filter is idempotent: filtering its own output is a no-op.
func ForwardableHeaders(in http.Header) http.Header {
	out := http.Header{}
	for name, values := range in {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-") {
			continue
		}
		if _, blocked := blockedHeaders[lower]; blocked {
			continue
		}
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		for _, value := range values {
			out.Add(name, value)
		}
	}
	return out
}

// WithAgentKey overlays the agent's internal API key after filtering.
// An empty key leaves the header unset.
func WithAgentKey(headers http.Header, key string) http.Header {
	if key != "" {
		headers.Set(AgentAPIKeyHeader, key)
	}
	return headers
}
