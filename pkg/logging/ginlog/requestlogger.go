package ginlog

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mind-ai/mind/pkg/logging"
)

const (
	// RequestIDKey is the gin context key and log field for the request id.
	RequestIDKey = "request-id"

	// RequestIDHeader is the header the request id is read from and
	// echoed back on.
	RequestIDHeader = "x-mind-request-id"

	// RequestLoggerKey is the gin context key for the per-request logger.
	RequestLoggerKey = "request-logger"
)

// GetOrCreateRequestID returns the inbound request id, minting one when the
// client did not send any, and echoes it on the response. The id is stashed
// on the gin context so every caller within a request sees the same value.
func GetOrCreateRequestID(ctx *gin.Context) string {
	if requestID := ctx.GetString(RequestIDKey); requestID != "" {
		return requestID
	}
	requestID := ctx.GetHeader(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Set(RequestIDKey, requestID)
	ctx.Header(RequestIDHeader, requestID)
	return requestID
}

// GetRequestLogger returns the logger for the current request context.
func GetRequestLogger(ctx *gin.Context) *zap.Logger {
	return ctx.MustGet(RequestLoggerKey).(*zap.Logger)
}

// RequestLogger returns a gin middleware that tags every request with a
// request id and writes one structured access-log line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := logging.TimeNowFunc()

		// extract these in case downstream handlers rewrite the URL
		path := ctx.Request.URL.Path
		query := ctx.Request.URL.RawQuery

		requestID := GetOrCreateRequestID(ctx)
		requestLogger := logger.With(zap.String(RequestIDKey, requestID))
		ctx.Set(RequestLoggerKey, requestLogger)

		ctx.Next()

		end := logging.TimeNowFunc()

		if len(ctx.Errors) > 0 {
			for _, err := range ctx.Errors.Errors() {
				requestLogger.Error(err)
			}
			return
		}

		requestLogger.Info(path,
			zap.String("method", ctx.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", ctx.ClientIP()),
			zap.String("user-agent", ctx.Request.UserAgent()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", end.Sub(start)),
		)
	}
}
