package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderXRequestID carries the correlation id across service hops.
	HeaderXRequestID = "X-Request-ID"
	// ContextRequestID is the gin context key the id is stored under.
	ContextRequestID = "request_id"
)

// RequestID tags every request with a correlation id. An id supplied by
// the caller is honored so the admin surface can be traced end to end;
// otherwise a fresh one is generated. The id is stored on the context
// for downstream middleware and echoed back in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}

		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}

// RequestIDFrom reads the correlation id set by RequestID. Returns the
// empty string when the middleware did not run.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(ContextRequestID)
}
