package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all connections of a process.
type Metrics struct {
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BadFrames      prometheus.Counter
	CipherFailures prometheus.Counter
	OpenConns      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg (nil = unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "bytes written to connections, cipher overhead included",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "bytes read from connections",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "frames fully written, by message type",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "frames decoded, by message type",
		}, []string{"type"}),
		BadFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "bad_frames_total",
			Help:      "inbound frames dropped as undecodable",
		}),
		CipherFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "cipher_failures_total",
			Help:      "connections torn down by a cipher stream error",
		}),
		OpenConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockwire",
			Subsystem: "transport",
			Name:      "open_connections",
			Help:      "connections currently open",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.BytesSent, m.BytesReceived, m.FramesSent, m.FramesReceived,
			m.BadFrames, m.CipherFailures, m.OpenConns)
	}
	return m
}
