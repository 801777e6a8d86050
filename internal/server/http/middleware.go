package http

import (
	"fmt"
	"net/http"
	"time"

	"crewwatch/internal/logging"
	"crewwatch/internal/observability"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				if !c.Writer.Written() {
					writeJSONError(c, http.StatusInternalServerError, "internal server error", fmt.Errorf("%v", r))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// ObservabilityMiddleware instruments requests with a span, request metrics
// and a latency log line.
func ObservabilityMiddleware(obs *observability.Observability, latencyLogger logging.Logger) gin.HandlerFunc {
	latencyLogger = logging.OrNop(latencyLogger)
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		var endSpan func(status int)
		if obs != nil && obs.Tracer != nil {
			ctx, span := obs.Tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(ctx)
			endSpan = func(status int) {
				span.SetAttributes(attribute.Int("http.status_code", status))
				errMsg := ""
				if status >= http.StatusInternalServerError {
					errMsg = http.StatusText(status)
				}
				observability.EndSpan(span, errMsg)
			}
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if endSpan != nil {
			endSpan(status)
		}
		if obs != nil {
			obs.Metrics.RecordHTTPServerRequest(c.Request.Context(), c.Request.Method, route, status, latency)
		}
		latencyLogger.Debug(
			"route=%s method=%s status=%d latency_ms=%.2f",
			route,
			c.Request.Method,
			status,
			float64(latency.Microseconds())/1000.0,
		)
	}
}
