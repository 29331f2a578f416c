package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records signaling and HTTP metrics in a Prometheus registry.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	// Connection metrics
	activeConnections prometheus.Gauge
	connections       prometheus.Counter

	// Signaling metrics
	eventsReceived  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	misdirected     *prometheus.CounterVec
	slowConsumers   prometheus.Counter
	callTransitions *prometheus.CounterVec
	persistFailures *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil reg
// uses a fresh registry.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &PrometheusCollector{
		gatherer: reg,

		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_active_connections",
			Help: "Number of open signaling connections",
		}),
		connections: f.NewCounter(prometheus.CounterOpts{
			Name: "signaling_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		eventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_events_received_total",
				Help: "Total number of inbound signaling events",
			},
			[]string{"event"},
		),
		eventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_events_dropped_total",
				Help: "Total number of inbound events rejected",
			},
			[]string{"event", "reason"},
		),
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_forwarded_total",
				Help: "Total number of messages delivered to room members",
			},
			[]string{"event"},
		),
		misdirected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_misdirected_events_total",
				Help: "Events relayed into rooms holding more than two members",
			},
			[]string{"event"},
		),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "signaling_slow_consumers_total",
			Help: "Connections closed because their send buffer overflowed",
		}),
		callTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calls_status_transitions_total",
				Help: "Call status changes by target status",
			},
			[]string{"status"},
		),
		persistFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calls_persist_failures_total",
				Help: "Call record writes that failed",
			},
			[]string{"op"},
		),

		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.activeConnections.Inc()
	c.connections.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.activeConnections.Dec()
}

func (c *PrometheusCollector) EventReceived(event string) {
	c.eventsReceived.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) EventDropped(event, reason string) {
	c.eventsDropped.WithLabelValues(event, reason).Inc()
}

func (c *PrometheusCollector) MessageForwarded(event string) {
	c.messagesSent.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) Misdirected(event string) {
	c.misdirected.WithLabelValues(event).Inc()
}

func (c *PrometheusCollector) CallStatus(status string) {
	c.callTransitions.WithLabelValues(status).Inc()
}

func (c *PrometheusCollector) PersistFailed(op string) {
	c.persistFailures.WithLabelValues(op).Inc()
}

func (c *PrometheusCollector) SlowConsumer() {
	c.slowConsumers.Inc()
}

// ObserveHTTP records one served request.
func (c *PrometheusCollector) ObserveHTTP(method, route, status string, seconds float64) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
