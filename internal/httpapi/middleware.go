package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/reqcontext"
)

// Logger mirrors ppriyankuu-godkv's internal/api/middleware.go Logger,
// retargeted from log.Printf onto the logrus-based logging package so
// every access line carries the same request_id/actor_id/peer_id fields
// as the rest of the request's log output.
func Logger(actorID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-Id")
		ctx, requestID := reqcontext.WithContext(c.Request.Context(), requestID, actorID, "", true)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", requestID)

		c.Next()

		logging.FromContext(c.Request.Context()).WithFields(map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"clientip": c.ClientIP(),
		}).Info("request handled")
	}
}

// Recovery mirrors the teacher's Recovery, logging the panic through
// logging instead of the standard logger before aborting with 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(c.Request.Context()).WithField("panic", err).Error("panic recovered")
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
