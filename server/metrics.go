package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors on a private registry.
// A nil *Metrics disables collection; every method is nil-safe.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive        *prometheus.GaugeVec
	framesReceived        *prometheus.CounterVec
	framesSent            *prometheus.CounterVec
	framesDropped         *prometheus.CounterVec
	datagramsReceived     prometheus.Counter
	datagramBytes         prometheus.Counter
	datagramsDropped      *prometheus.CounterVec
	heartbeatTerminations prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_active",
			Help:      "WebSocket sessions currently open",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_received_total",
			Help:      "WebSocket frames received from sessions",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_sent_total",
			Help:      "Packets written to session sockets",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames or backbone messages dropped by sessions",
		}, []string{"kind", "reason"}),
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "udp",
			Name:      "datagrams_received_total",
			Help:      "Datagrams received on the ingest socket",
		}),
		datagramBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Bytes received on the ingest socket",
		}),
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "udp",
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams not forwarded to the backbone",
		}, []string{"reason"}),
		heartbeatTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "heartbeat_terminations_total",
			Help:      "Sockets terminated after a missed heartbeat",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.sessionsActive,
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.datagramsReceived,
		m.datagramBytes,
		m.datagramsDropped,
		m.heartbeatTerminations,
	)
	return m
}

// Register adds extra collectors, e.g. from the state manager.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	if m == nil {
		return nil
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionOpened(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sessionClosed(kind SessionKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind.String()).Dec()
}

func (m *Metrics) frameReceived(kind SessionKind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) frameSent(kind SessionKind) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) frameDropped(kind SessionKind, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) datagramReceived(size int) {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
	m.datagramBytes.Add(float64(size))
}

func (m *Metrics) datagramDropped(reason string) {
	if m == nil {
		return
	}
	m.datagramsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) heartbeatTermination() {
	if m == nil {
		return
	}
	m.heartbeatTerminations.Inc()
}
