package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// ContextKeyRequestID is the Gin context key for the request ID.
	ContextKeyRequestID = "request_id"
	HeaderRequestID     = "X-Request-ID"

	maxRequestIDLength = 64
)

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when it is short enough to log.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" || len(reqID) > maxRequestIDLength {
			reqID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header(HeaderRequestID, reqID)
		c.Next()
	}
}

// RequestID returns the id of the current request, minting one when the
// middleware did not run.
func RequestID(c *gin.Context) string {
	if id := c.GetString(ContextKeyRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}
