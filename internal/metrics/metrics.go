// Package metrics defines the prometheus collectors shared by the servers and
// CLI workers. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secops"

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	analysisRuns *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	conversions  *prometheus.CounterVec
	feedRecords  *prometheus.CounterVec
	forwarded    *prometheus.CounterVec
	casesClosed  prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		analysisRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mttx_runs_total",
			Help:      "Scheduled MTTx runs by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mttx_deliveries_total",
			Help:      "MTTx destination deliveries by type and result.",
		}, []string{"type", "result"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sigma_conversions_total",
			Help:      "Sigma to YARA-L conversions by status.",
		}, []string{"status"}),
		feedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_records_total",
			Help:      "IOC feed records by feed and outcome.",
		}, []string{"feed", "outcome"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarder_entries_total",
			Help:      "Log entries sent by the Kafka forwarder, by result.",
		}, []string{"result"}),
		casesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soar_cases_closed_total",
			Help:      "Cases closed by the bulk closer.",
		}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.analysisRuns, m.deliveries, m.conversions,
		m.feedRecords, m.forwarded, m.casesClosed,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// AnalysisRun counts a scheduled run: ok, empty or error.
func (m *Metrics) AnalysisRun(result string) {
	if m == nil {
		return
	}
	m.analysisRuns.WithLabelValues(result).Inc()
}

// Delivery counts a destination delivery.
func (m *Metrics) Delivery(destType string, err error) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(destType, result(err)).Inc()
}

// Conversion counts a sigma conversion by final status.
func (m *Metrics) Conversion(status string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(status).Inc()
}

// FeedRecords adds n records for feed with outcome imported, duplicate or dropped.
func (m *Metrics) FeedRecords(feed, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.feedRecords.WithLabelValues(feed, outcome).Add(float64(n))
}

// Forwarded adds n forwarded entries.
func (m *Metrics) Forwarded(n int, err error) {
	if m == nil || n == 0 {
		return
	}
	m.forwarded.WithLabelValues(result(err)).Add(float64(n))
}

// CasesClosed adds n closed cases.
func (m *Metrics) CasesClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.casesClosed.Add(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
