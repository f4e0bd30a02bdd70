// Package metrics exposes Prometheus collectors for the RPC engine. A nil
// *Metrics disables collection; every recording method is nil-safe so callers
// never need to guard.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swill"

// Metrics holds the engine's collectors.
type Metrics struct {
	connectionsActive prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	requestErrors     *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
}

// New registers the engine collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests started, by method and call shape.",
		}, []string{"method", "shape"}),
		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "ERROR frames sent, by error code.",
		}, []string{"code"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound envelopes, by frame type.",
		}, []string{"type"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound envelopes, by frame type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) Request(method, shape string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, shape).Inc()
}

func (m *Metrics) RequestError(code int) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) FrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameOut(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}
