// Package metrics exposes Prometheus collectors for the HTTP layer, the
// document pipeline and background jobs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry so tests can build isolated instances. All
// recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight      prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	uploads           *prometheus.CounterVec
	processorRequests *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	membershipSyncs   *prometheus.CounterVec
	events            *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meddocs_document_uploads_total",
			Help: "Uploaded files by outcome.",
		}, []string{"result"}),
		processorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meddocs_processor_requests_total",
			Help: "Calls to the document processor by operation and outcome.",
		}, []string{"operation", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meddocs_job_runs_total",
			Help: "Scheduled job runs by job and outcome.",
		}, []string{"job", "result"}),
		membershipSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meddocs_membership_sync_total",
			Help: "Membership sync attempts by outcome.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meddocs_events_published_total",
			Help: "Domain events published by type and outcome.",
		}, []string{"type", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.uploads, m.processorRequests, m.jobRuns, m.membershipSyncs, m.events,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request count, latency and in-flight requests. Routes
// are labelled by their registered path to keep cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			start := time.Now()

			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			m.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.httpInFlight.Dec()
			return err
		}
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) UploadResult(err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ProcessorCall(op string, err error) {
	if m == nil {
		return
	}
	m.processorRequests.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result(err)).Inc()
}

func (m *Metrics) MembershipSync(err error) {
	if m == nil {
		return
	}
	m.membershipSyncs.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result(err)).Inc()
}
