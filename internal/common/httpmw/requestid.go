package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// RequestID propagates the caller's correlation id into the request context,
// generating one when the header is absent. headerName defaults to
// x-request-id when empty.
func RequestID(headerName string) gin.HandlerFunc {
	if headerName == "" {
		headerName = "x-request-id"
	}
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerName)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(headerName, requestID)
		c.Next()
	}
}

// RequestIDFrom extracts the correlation id from a context, if present.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return id
	}
	return ""
}
