package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes relay counters. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	messages    prometheus.Counter
	rejected    prometheus.Counter
}

// NewMetrics registers the relay metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alsin",
			Subsystem: "chat",
			Name:      "connections",
			Help:      "Live chat connections currently registered.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alsin",
			Subsystem: "chat",
			Name:      "messages_relayed_total",
			Help:      "Chat messages persisted and relayed.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alsin",
			Subsystem: "chat",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames rejected as invalid.",
		}),
	}
	reg.MustRegister(m.connections, m.messages, m.rejected)
	return m
}

func (m *Metrics) connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) relayed() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) rejectedFrame() {
	if m != nil {
		m.rejected.Inc()
	}
}
