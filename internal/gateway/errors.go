package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/acp"
	"github.com/agentmesh/agentmesh/internal/authz"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
)

// statusFor maps the shared error kinds to HTTP status codes. Signature
// failures come before the generic client kind they wrap.
func statusFor(err error) int {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		if rpcErr.Code == jsonrpc.InternalError {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	case errors.Is(err, acp.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, authz.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, storage.ErrClient):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// rpcCode maps an error to its JSON-RPC error code.
func rpcCode(err error) int {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	if errors.Is(err, storage.ErrClient) {
		return jsonrpc.InvalidParams
	}
	return jsonrpc.InternalError
}
