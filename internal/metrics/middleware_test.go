package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/tokenvault/internal/logging"
)

func newInstrumentedRouter(m *Metrics, logger *logging.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m, logger, "/metrics"))
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.POST("/manage-tokens", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/send-mail", func(c *gin.Context) {
		_ = c.Error(errors.New("provider unavailable"))
		c.Status(http.StatusInternalServerError)
	})
	return r
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	m := NewMetrics("mwroute")
	r := newInstrumentedRouter(m, nil)

	for _, path := range []string{"/manage-tokens", "/manage-tokens", "/probe/a", "/probe/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/manage-tokens", "POST", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(UnmatchedRoute, "POST", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Zero(t, testutil.ToFloat64(m.HTTPRequestsInFlight))
}

func TestMiddlewareSkipsScrapes(t *testing.T) {
	m := NewMetrics("mwscrape")
	r := newInstrumentedRouter(m, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, testutil.CollectAndCount(m.HTTPRequestsTotal))
}

func TestMiddlewareLogsHandlerErrors(t *testing.T) {
	m := NewMetrics("mwerr")
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))
	r := newInstrumentedRouter(m, logger)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/send-mail", nil))

	assert.Contains(t, buf.String(), "request error")
	assert.Contains(t, buf.String(), "provider unavailable")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/send-mail", "POST", "500")))
}
