// Package metrics exposes Prometheus counters and gauges for the TCP
// engine's connection lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jayrabjohns/tcpd/tcpctl"
)

// Collectors bundles the metrics this engine reports.
type Collectors struct {
	ActiveConnections prometheus.Gauge
	Transitions       *prometheus.CounterVec
	ResetsSent        prometheus.Counter
}

// New registers and returns the engine's collectors against reg. Pass
// prometheus.DefaultRegisterer for the common case.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tcpd",
			Name:      "active_connections",
			Help:      "Number of TCBs currently tracked by the dispatcher.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcpd",
			Name:      "state_transitions_total",
			Help:      "Count of TCB state transitions, labeled by destination state.",
		}, []string{"state"}),
		ResetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpd",
			Name:      "resets_sent_total",
			Help:      "Count of RST segments this engine has transmitted.",
		}),
	}
}

// OnTransition is a dispatch.Dispatcher.OnTransition callback that keeps
// ActiveConnections and Transitions current. A brand new connection is
// reported as a transition from StateClosed; StateClosed itself never
// appears in place of a connection that still exists, so this is an
// unambiguous open/close signal.
func (c *Collectors) OnTransition(_ tcpctl.ConnKey, from, to tcpctl.State) {
	c.Transitions.WithLabelValues(to.String()).Inc()
	switch {
	case from == tcpctl.StateClosed && to != tcpctl.StateClosed:
		c.ActiveConnections.Inc()
	case to == tcpctl.StateClosed && from != tcpctl.StateClosed:
		c.ActiveConnections.Dec()
	}
}

// IncReset records that this engine transmitted an RST segment.
func (c *Collectors) IncReset() {
	c.ResetsSent.Inc()
}

// Handler returns the HTTP handler the engine's metrics endpoint serves.
func Handler() http.Handler {
	return promhttp.Handler()
}
