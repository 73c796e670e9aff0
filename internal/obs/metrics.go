// Package obs holds logging and metrics setup.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convsync"

// Metrics are the engine's counters and gauges, on their own registry so
// several engines can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	Frames              *prometheus.CounterVec // result: ingested|duplicate|malformed
	FailedSends         prometheus.Counter
	ReconnectAttempts   prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	ConnectionState     *prometheus.GaugeVec // 1 for the current state
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound conversation frames by result.",
		}, []string{"result"}),
		FailedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_sends_total",
			Help:      "Optimistic sends marked failed.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Redial attempts made by the reconnection policy.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Conversation subscriptions held by the registry.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Transport session state, 1 for the current one.",
		}, []string{"state"}),
	}
	m.Registry.MustRegister(
		m.Frames,
		m.FailedSends,
		m.ReconnectAttempts,
		m.ActiveSubscriptions,
		m.ConnectionState,
		collectors.NewGoCollector(),
	)
	return m
}

// SetState flags current and clears every other known state.
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
