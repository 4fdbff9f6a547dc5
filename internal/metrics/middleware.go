package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenvault/tokenvault/internal/logging"
)

// UnmatchedRoute labels requests that hit no registered route, so probing
// arbitrary paths cannot grow the label set.
const UnmatchedRoute = "unmatched"

// Middleware records latency, count and in-flight requests per route
// template. Scrapes of metricsPath are not recorded.
func Middleware(m *Metrics, logger *logging.Logger, metricsPath string) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(c *gin.Context) {
		if metricsPath != "" && c.Request.URL.Path == metricsPath {
			c.Next()
			return
		}

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = UnmatchedRoute
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RecordRequestLatency(route, c.Request.Method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(route, c.Request.Method, status)

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"route", route,
				"error", c.Errors.String(),
			)
		}
	}
}
