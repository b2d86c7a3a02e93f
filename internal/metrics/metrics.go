// Package metrics owns the hub's Prometheus collectors. All recording
// methods are nil-safe so components built without metrics (tests, the
// CLI) need no guards.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "semhub"

// Metrics holds every hub collector and the private registry they are
// registered with.
type Metrics struct {
	registry *prometheus.Registry

	busPublished     *prometheus.CounterVec
	busDropped       *prometheus.CounterVec
	busHandlerFailed *prometheus.CounterVec

	connections      *prometheus.GaugeVec
	connectionClosed *prometheus.CounterVec
	wsMessages       *prometheus.CounterVec
	wsRejected       *prometheus.CounterVec

	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec

	addonState   *prometheus.GaugeVec
	addonInvokes *prometheus.CounterVec

	failoverTier     prometheus.Gauge
	failoverSwitches *prometheus.CounterVec
	endpointHealthy  *prometheus.GaugeVec

	bridgeMessages *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Envelopes published on the bus, by type domain.",
		}, []string{"domain"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Envelopes dropped because a subscriber mailbox was full.",
		}, []string{"pattern"}),
		busHandlerFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_failures_total",
			Help: "Handler errors, panics and timeouts.",
		}, []string{"pattern"}),

		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "connections",
			Help: "Live connections by state.",
		}, []string{"state"}),
		connectionClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "closed_total",
			Help: "Closed connections by reason.",
		}, []string{"reason"}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "messages_total",
			Help: "WebSocket frames by direction.",
		}, []string{"direction"}),
		wsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "rejected_total",
			Help: "Inbound frames rejected with a server:error, by code.",
		}, []string{"code"}),

		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "submitted_total",
			Help: "Accepted job submissions by priority.",
		}, []string{"priority"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "attempts_total",
			Help: "Job attempts by outcome (completed, retried, deferred, deadlettered, cancelled).",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "attempt_duration_seconds",
			Help:    "Duration of a single job attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "items",
			Help: "Items in the queue by status.",
		}, []string{"status"}),

		addonState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "addon", Name: "state",
			Help: "Addon state (0=unloaded, 1=loading, 2=ready, 3=degraded, 4=failed).",
		}, []string{"addon"}),
		addonInvokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "addon", Name: "invocations_total",
			Help: "Addon handler invocations by outcome.",
		}, []string{"addon", "outcome"}),

		failoverTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "failover", Name: "active_tier",
			Help: "Active tier (0=local, 1=cloud_primary, 2=cloud_fallback, 3=offline).",
		}),
		failoverSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "failover", Name: "switches_total",
			Help: "Tier switches by destination.",
		}, []string{"to"}),
		endpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "failover", Name: "endpoint_healthy",
			Help: "Endpoint health (0=unhealthy, 1=healthy).",
		}, []string{"endpoint"}),

		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "messages_total",
			Help: "Envelopes moved across the broker bridge.",
		}, []string{"direction", "outcome"}),
	}

	m.registry.MustRegister(
		m.busPublished, m.busDropped, m.busHandlerFailed,
		m.connections, m.connectionClosed, m.wsMessages, m.wsRejected,
		m.jobsSubmitted, m.jobsFinished, m.jobDuration, m.queueDepth,
		m.addonState, m.addonInvokes,
		m.failoverTier, m.failoverSwitches, m.endpointHealthy,
		m.bridgeMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// BusPublished counts a published envelope.
func (m *Metrics) BusPublished(typ string) {
	if m == nil {
		return
	}
	domain, _, _ := strings.Cut(typ, ":")
	m.busPublished.WithLabelValues(domain).Inc()
}

// BusDropped counts an envelope dropped for a full mailbox.
func (m *Metrics) BusDropped(pattern string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(pattern).Inc()
}

// BusHandlerFailed counts a failed handler invocation.
func (m *Metrics) BusHandlerFailed(pattern string) {
	if m == nil {
		return
	}
	m.busHandlerFailed.WithLabelValues(pattern).Inc()
}

// ConnectionState moves one connection between state gauges. An empty
// from or to means the connection is entering or leaving the registry.
func (m *Metrics) ConnectionState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(to).Inc()
	}
}

// ConnectionClosed counts a closed connection.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionClosed.WithLabelValues(reason).Inc()
}

// MessageIn counts an inbound WebSocket frame.
func (m *Metrics) MessageIn() {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues("in").Inc()
}

// MessageOut counts an outbound WebSocket frame.
func (m *Metrics) MessageOut() {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues("out").Inc()
}

// MessageRejected counts a frame answered with a server:error.
func (m *Metrics) MessageRejected(code string) {
	if m == nil {
		return
	}
	m.wsRejected.WithLabelValues(code).Inc()
}

// JobSubmitted counts an accepted job.
func (m *Metrics) JobSubmitted(priority string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(priority).Inc()
}

// JobAttempt records the outcome and duration of one attempt.
func (m *Metrics) JobAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// QueueDepth sets the item count for a status.
func (m *Metrics) QueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}

// AddonState records an addon's state ordinal.
func (m *Metrics) AddonState(name string, state int) {
	if m == nil {
		return
	}
	m.addonState.WithLabelValues(name).Set(float64(state))
}

// AddonInvoked counts an addon invocation.
func (m *Metrics) AddonInvoked(name, outcome string) {
	if m == nil {
		return
	}
	m.addonInvokes.WithLabelValues(name, outcome).Inc()
}

// FailoverTier records the active tier ordinal.
func (m *Metrics) FailoverTier(tier int) {
	if m == nil {
		return
	}
	m.failoverTier.Set(float64(tier))
}

// FailoverSwitched counts a tier switch.
func (m *Metrics) FailoverSwitched(to string) {
	if m == nil {
		return
	}
	m.failoverSwitches.WithLabelValues(to).Inc()
}

// EndpointHealth records an endpoint's health.
func (m *Metrics) EndpointHealth(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.endpointHealthy.WithLabelValues(endpoint).Set(v)
}

// BridgeMessage counts an envelope crossing the broker bridge.
func (m *Metrics) BridgeMessage(direction, outcome string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(direction, outcome).Inc()
}
