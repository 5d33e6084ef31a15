package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/telemetry"
)

// Metrics returns a Gin handler that records request counters and latency
// histograms for every request passing through the router.
//
// The path label is set from c.FullPath(), which returns the matched route
// template rather than the raw URL. Requests that do not match any registered
// route (404/405) use the literal string "<no-route>" so unhandled paths do
// not inflate label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
