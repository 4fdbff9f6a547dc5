package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesDomainAndRuntimeMetrics(t *testing.T) {
	m := NewMetrics("tv")
	m.RecordCustody("store", "success")
	m.RecordRequestLatency("/manage-tokens", "POST", "200", 0.02)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `tv_custody_operations_total{operation="store",status="success"} 1`)
	assert.Contains(t, body, `tv_request_latency_seconds_bucket{method="POST",route="/manage-tokens",status="200",le="0.025"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics("counters")

	m.RecordResolution("google", "cached")
	m.RecordResolution("google", "cached")
	m.RecordResolution("microsoft", "refreshed")
	m.RecordProviderRequest("microsoft", "refresh", "error")
	m.RecordRateLimit("manage-tokens", "denied")
	m.RecordError("relink_required", "/send-mail", "POST")
	m.SetRateLimitWindows(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("google", "cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("microsoft", "refreshed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("microsoft", "refresh", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorCounter.WithLabelValues("relink_required", "/send-mail", "POST")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RateLimitWindows))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(families, "counters_rate_limit_decisions_total", "decision", "denied"))
}

func TestSeparateInstancesDoNotShareState(t *testing.T) {
	a := NewMetrics("same")
	b := NewMetrics("same")
	a.RecordCustody("delete", "success")
	assert.Zero(t, testutil.CollectAndCount(b.CustodyOperations))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequestLatency("/health", "GET", "200", 0.1)
		m.RecordHTTPRequest("/health", "GET", "200")
		m.IncHTTPRequestsInFlight()
		m.DecHTTPRequestsInFlight()
		m.RecordError("internal", "/manage-tokens", "POST")
		m.RecordCustody("store", "success")
		m.RecordResolution("google", "refreshed")
		m.RecordProviderRequest("google", "exchange", "ok")
		m.RecordRateLimit("send-mail", "allowed")
		m.SetRateLimitWindows(1)
	})
}

func counterValue(families []*dto.MetricFamily, name, key, value string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == key && label.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
