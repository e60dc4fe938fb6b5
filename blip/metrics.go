package blip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. One instance may be
// shared by any number of connections.
type Metrics struct {
	FramesSent       prometheus.Counter
	FramesReceived   prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	RequestsSent     prometheus.Counter
	RequestsReceived prometheus.Counter
	AcksSent         prometheus.Counter
	AcksReceived     prometheus.Counter
	OpenConnections  prometheus.Gauge
}

// NewMetrics builds the collectors under namespace "blip" and registers
// them with reg. A nil reg leaves them unregistered, which keeps the
// counters usable without polluting the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "blip",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		FramesSent:       counter("frames_sent_total", "Frames handed to the transport"),
		FramesReceived:   counter("frames_received_total", "Frames received from the transport"),
		BytesSent:        counter("bytes_sent_total", "Frame bytes handed to the transport"),
		BytesReceived:    counter("bytes_received_total", "Frame bytes received from the transport"),
		RequestsSent:     counter("requests_sent_total", "Outgoing requests queued"),
		RequestsReceived: counter("requests_received_total", "Incoming requests completed"),
		AcksSent:         counter("acks_sent_total", "Ack frames sent"),
		AcksReceived:     counter("acks_received_total", "Ack frames received"),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "blip",
			Name:      "open_connections",
			Help:      "Connections currently open",
		}),
	}
}
