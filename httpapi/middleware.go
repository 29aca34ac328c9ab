package httpapi

import (
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xostack/xonotify/metrics"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
)

// requestID propagates X-Request-ID or generates a new UUID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// accessLog writes one structured line per request and stores a
// request-scoped logger in the context. The level follows the status.
func accessLog(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := base.With(
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", routePath(c)),
			zap.String("remote_ip", c.ClientIP()),
		)
		c.Set(loggerKey, l)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", c.Writer.Size()),
		}
		switch {
		case len(c.Errors) > 0:
			l.Error("request", append(fields, zap.String("errors", c.Errors.String()))...)
		case status >= 500:
			l.Error("request", fields...)
		case status >= 400:
			l.Warn("request", fields...)
		default:
			l.Info("request", fields...)
		}
	}
}

// recovery converts panics into a JSON 500 carrying the request ID. Gin's
// own stack dump is discarded in favor of the zap entry.
func recovery(base *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		rid := c.GetString(requestIDKey)
		base.Error("panic recovered",
			zap.Any("panic", rec),
			zap.ByteString("stack", debug.Stack()),
			zap.String("request_id", rid),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			RequestID: rid,
			Code:      ErrCodeInternal,
			Message:   "internal server error",
		})
	})
}

// instrument records request counts and latency by route.
func instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveHTTP(c.Request.Method, routePath(c), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// loggerFrom returns the request-scoped logger, or a no-op logger.
func loggerFrom(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}
