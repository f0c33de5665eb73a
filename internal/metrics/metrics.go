// Package metrics holds the Prometheus collectors for the HTTP layer and the
// request lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so servers built in tests do not collide on the
// global one.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	Created      *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	Receptions   prometheus.Counter
	OverReceived prometheus.Counter
	WebhookPosts *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procureline_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procureline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procureline_requests_created_total",
			Help: "Purchase requests created by initial status",
		}, []string{"status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procureline_approval_decisions_total",
			Help: "Approval decisions by outcome",
		}, []string{"decision"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procureline_duplicate_checks_total",
			Help: "Duplicate guard outcomes",
		}, []string{"outcome"}),
		Receptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procureline_receptions_total",
			Help: "Recorded receptions",
		}),
		OverReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procureline_receptions_over_received_total",
			Help: "Receptions that pushed an item past its requested quantity",
		}),
		WebhookPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procureline_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration, m.Created, m.Decisions, m.Duplicates,
		m.Receptions, m.OverReceived, m.WebhookPosts,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// The helpers below are nil safe so the engine can run without metrics.

func (m *Metrics) RequestCreated(status string) {
	if m != nil {
		m.Created.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Decision(decision string) {
	if m != nil {
		m.Decisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) DuplicateOutcome(outcome string) {
	if m != nil {
		m.Duplicates.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Reception(over bool) {
	if m == nil {
		return
	}
	m.Receptions.Inc()
	if over {
		m.OverReceived.Inc()
	}
}

func (m *Metrics) Webhook(result string) {
	if m != nil {
		m.WebhookPosts.WithLabelValues(result).Inc()
	}
}
