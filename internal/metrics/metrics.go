// Package metrics exposes the process's Prometheus instrumentation. A nil
// *Metrics is a valid no-op recorder, so callers never need to guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the broker and gateway report into.
type Metrics struct {
	registry *prometheus.Registry

	liveSessions     prometheus.Gauge
	connectedClients prometheus.Gauge
	sessionsCreated  prometheus.Counter
	outputBytes      prometheus.Counter
}

// New builds a Metrics with a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terminal_broker_live_sessions",
			Help: "Number of non-dead sessions in the registry.",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terminal_broker_connected_clients",
			Help: "Number of websocket clients currently attached.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terminal_broker_sessions_created_total",
			Help: "Total sessions created since process start.",
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "terminal_broker_output_bytes_total",
			Help: "Total PTY output bytes fanned out to buffers.",
		}),
	}
	m.registry.MustRegister(m.liveSessions, m.connectedClients, m.sessionsCreated, m.outputBytes)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) AddOutputBytes(n int) {
	if m == nil {
		return
	}
	m.outputBytes.Add(float64(n))
}
