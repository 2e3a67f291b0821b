// Package metrics holds the process's prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/infrastructure"
)

const namespace = "pulse"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	connections   prometheus.Gauge
	gatewayEvents *prometheus.CounterVec
	ledgerOps     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open realtime connections.",
		}),
		gatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_events_total",
			Help:      "Inbound realtime events by type and outcome.",
		}, []string{"event", "outcome"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by type and result code.",
		}, []string{"operation", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.connections,
		m.gatewayEvents,
		m.ledgerOps,
	)
	return m
}

// ProvideMetrics is a Wire provider function that creates the process collectors
func ProvideMetrics() *Metrics {
	return New()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// GatewayEvent counts one inbound event. A nil err is recorded as "ok".
func (m *Metrics) GatewayEvent(event string, err error) {
	if m == nil {
		return
	}
	m.gatewayEvents.WithLabelValues(event, result(err)).Inc()
}

func (m *Metrics) LedgerOp(operation string, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(operation, result(err)).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return infrastructure.ErrorCode(err)
}
