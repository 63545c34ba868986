// Package middleware holds the gin middleware shared across the HTTP and
// websocket-upgrade endpoints.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
)

// HeaderXCorrelationID is the header carrying (or receiving) the request's
// correlation ID, echoed back on the response.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns a correlation ID to every request, reusing one
// supplied by the caller so traces stay linked across a gateway hop. The ID
// is stamped into the request's context.Context under logging.CorrelationIDKey,
// not just gin's own key/value store, so logging.Info(c.Request.Context(), ...)
// picks it up without callers needing to know about gin.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
