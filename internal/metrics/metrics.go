package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	handshakeRejects *prometheus.CounterVec
	published        *prometheus.CounterVec
	dropped          prometheus.Counter
	selfHeals        prometheus.Counter
	requests         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open realtime connections on this process.",
		}),
		handshakeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "gateway",
			Name:      "handshake_rejections_total",
			Help:      "Realtime handshakes rejected, by reason.",
		}, []string{"reason"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published to user topics, by event type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Frames not delivered because a connection's send buffer was full.",
		}),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "membership",
			Name:      "self_heals_total",
			Help:      "Creator member rows re-inserted during authorization.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route pattern and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.connections, m.handshakeRejects, m.published, m.dropped, m.selfHeals, m.requests)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m != nil {
		m.handshakeRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Published(eventType string, n int) {
	if m != nil {
		m.published.WithLabelValues(eventType).Add(float64(n))
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) SelfHealed() {
	if m != nil {
		m.selfHeals.Inc()
	}
}

func (m *Metrics) Request(route string, code int) {
	if m != nil {
		m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
