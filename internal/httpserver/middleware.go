package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/programme-lv/judge/api"
)

func errorBody(c *gin.Context, message string) api.ErrorResponse {
	return api.ErrorResponse{
		Error:     message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
	}
}

// recovery turns panics into the uniform error body instead of gin's
// default empty 500.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Error("panic while handling request",
			slog.String("path", c.Request.URL.Path),
			slog.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(c, "internal server error"))
	})
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimit enforces the per-client fixed window. The limiter fails
// open, so an overloaded limiter never rejects traffic.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody(c, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
