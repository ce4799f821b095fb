package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one engine instance. Each
// engine owns its registry so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	qualityIssues        *prometheus.CounterVec
	eventsIngested       *prometheus.CounterVec
	ingestDuration       prometheus.Histogram
	bufferDepth          prometheus.Gauge
	batchesFlushed       *prometheus.CounterVec
	activeAlerts         prometheus.Gauge
	alertsCreated        *prometheus.CounterVec
	incidentsCreated     prometheus.Counter
	recommendations      prometheus.Gauge
	jobRuns              *prometheus.CounterVec
	notificationsDropped prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	streamClients       prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		qualityIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_quality_issues_total",
				Help: "Quality issues recorded by the engine",
			},
			[]string{"issue"},
		),
		eventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_events_ingested_total",
				Help: "Events accepted into the pipeline",
			},
			[]string{"event_type"},
		),
		ingestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "perfwatch_ingest_duration_seconds",
				Help:    "Time spent processing one event",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),
		bufferDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfwatch_buffer_depth",
				Help: "Events waiting in the ingest ring buffer",
			},
		),
		batchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_batches_flushed_total",
				Help: "Batches handed to the sink",
			},
			[]string{"status"},
		),
		activeAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfwatch_alerts_active",
				Help: "Alerts currently in the active index",
			},
		),
		alertsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_alerts_created_total",
				Help: "Alerts admitted by the alert manager",
			},
			[]string{"type", "level"},
		),
		incidentsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perfwatch_incidents_created_total",
				Help: "Incidents formed by the correlator",
			},
		),
		recommendations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfwatch_recommendations",
				Help: "Recommendations currently held",
			},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_job_runs_total",
				Help: "Scheduled job executions",
			},
			[]string{"job", "status"},
		),
		notificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "perfwatch_stream_notifications_dropped_total",
				Help: "Notifications dropped for slow stream clients",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perfwatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		streamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perfwatch_stream_clients",
				Help: "Number of connected notification stream clients",
			},
		),
	}

	m.registry.MustRegister(
		m.qualityIssues,
		m.eventsIngested,
		m.ingestDuration,
		m.bufferDepth,
		m.batchesFlushed,
		m.activeAlerts,
		m.alertsCreated,
		m.incidentsCreated,
		m.recommendations,
		m.jobRuns,
		m.notificationsDropped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.streamClients,
	)

	return m
}

// Registry exposes the engine registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsMiddleware records request counts and latencies.
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordQualityIssue(issue string, n int64) {
	m.qualityIssues.WithLabelValues(issue).Add(float64(n))
}

func (m *Metrics) RecordIngest(eventType string, d time.Duration) {
	m.eventsIngested.WithLabelValues(eventType).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) SetBufferDepth(n int) {
	m.bufferDepth.Set(float64(n))
}

func (m *Metrics) RecordBatch(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.batchesFlushed.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveAlerts(n int) {
	m.activeAlerts.Set(float64(n))
}

func (m *Metrics) RecordAlert(alertType, level string) {
	m.alertsCreated.WithLabelValues(alertType, level).Inc()
}

func (m *Metrics) RecordIncident() {
	m.incidentsCreated.Inc()
}

func (m *Metrics) SetRecommendations(n int) {
	m.recommendations.Set(float64(n))
}

// RecordJobRun counts one scheduled job execution.
func (m *Metrics) RecordJobRun(job string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
}

func (m *Metrics) RecordDroppedNotification() {
	m.notificationsDropped.Inc()
}

// SetStreamClients sets the number of active stream connections
func (m *Metrics) SetStreamClients(count int) {
	m.streamClients.Set(float64(count))
}
