package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnginesHaveIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordQualityIssue("validation_failed", 3)
	b.RecordQualityIssue("validation_failed", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.qualityIssues.WithLabelValues("validation_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.qualityIssues.WithLabelValues("validation_failed")))
}

func TestGaugesAndCounters(t *testing.T) {
	m := NewMetrics()
	m.SetActiveAlerts(4)
	m.SetBufferDepth(17)
	m.RecordAlert("budget_violation", "critical")
	m.RecordAlert("budget_violation", "critical")
	m.RecordJobRun("flush", false)
	m.RecordIngest("web_vital", 50*time.Microsecond)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.activeAlerts))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.bufferDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsCreated.WithLabelValues("budget_violation", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("flush", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsIngested.WithLabelValues("web_vital")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordIncident()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perfwatch_incidents_created_total 1")
}
