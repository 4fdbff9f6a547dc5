package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/tokenvault/internal/logging"
)

type captureAuditor struct {
	mu     sync.Mutex
	events []*logging.AuditEvent
}

func (c *captureAuditor) Record(_ context.Context, event *logging.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureAuditor) last(t *testing.T) *logging.AuditEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.events)
	return c.events[len(c.events)-1]
}

func newAuditRouter(auditor logging.Auditor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/manage-tokens", AuditAccess(auditor), func(c *gin.Context) {
		switch c.Query("outcome") {
		case "unauthorized":
			c.AbortWithStatus(http.StatusUnauthorized)
		case "limited":
			c.AbortWithStatus(http.StatusTooManyRequests)
		case "broken":
			c.AbortWithStatus(http.StatusInternalServerError)
		case "invalid":
			c.AbortWithStatus(http.StatusBadRequest)
		default:
			SetAuditResource(c, "fp:1234")
			c.Status(http.StatusOK)
		}
	})
	return r
}

func TestAuditAccess(t *testing.T) {
	tests := []struct {
		outcome  string
		status   logging.AuditStatus
		severity logging.AuditSeverity
	}{
		{"", logging.StatusSuccess, logging.SeverityInfo},
		{"invalid", logging.StatusFailure, logging.SeverityInfo},
		{"unauthorized", logging.StatusFailure, logging.SeverityWarning},
		{"limited", logging.StatusFailure, logging.SeverityWarning},
		{"broken", logging.StatusFailure, logging.SeverityError},
	}
	for _, tt := range tests {
		t.Run("outcome="+tt.outcome, func(t *testing.T) {
			auditor := &captureAuditor{}
			r := newAuditRouter(auditor)

			req := httptest.NewRequest(http.MethodPost, "/manage-tokens?outcome="+tt.outcome, nil)
			req.RemoteAddr = "203.0.113.9:5555"
			req.Header.Set("User-Agent", "tokenvault-test")
			r.ServeHTTP(httptest.NewRecorder(), req)

			event := auditor.last(t)
			assert.Equal(t, logging.APIAccess, event.EventType)
			assert.Equal(t, "POST /manage-tokens", event.Action)
			assert.Equal(t, tt.status, event.Status)
			assert.Equal(t, tt.severity, event.Severity)
			assert.Equal(t, "203.0.113.9", event.IPAddress)
			assert.Equal(t, "tokenvault-test", event.Details["user_agent"])
			assert.NotContains(t, event.Action, "outcome")
		})
	}
}

func TestAuditAccessResource(t *testing.T) {
	auditor := &captureAuditor{}
	r := newAuditRouter(auditor)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/manage-tokens", nil))
	assert.Equal(t, "fp:1234", auditor.last(t).Resource)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/manage-tokens?outcome=invalid", nil))
	assert.Empty(t, auditor.last(t).Resource)
}

func TestAuditAccessNilAuditor(t *testing.T) {
	r := newAuditRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/manage-tokens", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
