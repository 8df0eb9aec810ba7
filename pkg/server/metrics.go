package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Termination reasons recorded on the sessions_terminated_total counter
const (
	reasonQuit    = "quit"
	reasonTimeout = "timeout"
	reasonIO      = "io"
	reasonServer  = "shutdown"
	reasonError   = "error"
)

// Metrics holds the Prometheus collectors of one server. Each server owns
// its registry so several servers can run in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsTerminated *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	envelopesSent      *prometheus.CounterVec
	routedDeliveries   *prometheus.CounterVec
	tickDuration       prometheus.Histogram
}

// NewMetrics creates and registers the server's collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prattle_active_sessions",
			Help: "Number of registered sessions",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prattle_sessions_created_total",
			Help: "Sessions created for accepted connections",
		}),
		sessionsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prattle_sessions_terminated_total",
			Help: "Sessions terminated, by reason",
		}, []string{"reason"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prattle_envelopes_received_total",
			Help: "Envelopes read from clients, by kind",
		}, []string{"kind"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prattle_envelopes_sent_total",
			Help: "Envelopes written to clients, by kind",
		}, []string{"kind"}),
		routedDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prattle_routed_deliveries_total",
			Help: "Envelopes pushed into session mailboxes, by route",
		}, []string{"route"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prattle_session_tick_seconds",
			Help:    "Time spent in one session tick",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsTerminated,
		m.envelopesReceived,
		m.envelopesSent,
		m.routedDeliveries,
		m.tickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The Record methods are nil-safe so tests can build servers without metrics.

func (m *Metrics) RecordActiveSessions(count int) {
	if m != nil {
		m.activeSessions.Set(float64(count))
	}
}

func (m *Metrics) RecordSessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) RecordSessionTerminated(reason string) {
	if m != nil {
		m.sessionsTerminated.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RecordEnvelopeReceived(kind string) {
	if m != nil {
		m.envelopesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordEnvelopeSent(kind string) {
	if m != nil {
		m.envelopesSent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordDeliveries(route string, count int) {
	if m != nil && count > 0 {
		m.routedDeliveries.WithLabelValues(route).Add(float64(count))
	}
}

func (m *Metrics) RecordTick(d time.Duration) {
	if m != nil {
		m.tickDuration.Observe(d.Seconds())
	}
}
