// Package middleware holds gin middleware shared by the HTTP surfaces.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenvault/tokenvault/internal/logging"
)

const auditResourceKey = "audit_resource"

// AuditAccess records one API_ACCESS event per request once the handler
// chain has finished. Requests answered with 4xx or 5xx are recorded as
// failures; rejected credentials and throttled calls at warning severity.
// Request bodies and query strings are never recorded.
func AuditAccess(auditor logging.Auditor) gin.HandlerFunc {
	if auditor == nil {
		auditor = logging.NopAuditor{}
	}
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		status := c.Writer.Status()
		action := c.Request.Method + " " + c.FullPath()

		event := logging.NewAuditEvent(logging.APIAccess, action, logging.StatusSuccess).
			WithIPAddress(c.ClientIP()).
			WithDetails(map[string]interface{}{
				"status":     status,
				"latency_ms": time.Since(start).Milliseconds(),
				"user_agent": c.Request.UserAgent(),
			})
		if resource, ok := c.Get(auditResourceKey); ok {
			if s, ok := resource.(string); ok {
				event.Resource = s
			}
		}

		if status >= http.StatusBadRequest {
			event.Status = logging.StatusFailure
		}
		switch {
		case status == http.StatusUnauthorized || status == http.StatusTooManyRequests:
			event.Severity = logging.SeverityWarning
		case status >= http.StatusInternalServerError:
			event.Severity = logging.SeverityError
		}

		auditor.Record(c.Request.Context(), event)
	}
}

// SetAuditResource attaches a resource to the access event of the current
// request. Pass a fingerprint, never a token reference.
func SetAuditResource(c *gin.Context, resource string) {
	c.Set(auditResourceKey, resource)
}
