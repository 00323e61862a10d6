// Package metrics exposes prometheus counters for the session core and
// gauges for the dev arena server.
//
// A nil *Collector is valid and records nothing, so components can take one as
// an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	emitted     *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase_transitions_total",
			Help:      "Phase transitions applied, by source and target phase.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "phase_transitions_rejected_total",
			Help:      "Triggers ignored because no transition is defined from the current phase.",
		}, []string{"phase", "trigger"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped by the router, by event and reason.",
		}, []string{"event", "reason"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "events_emitted_total",
			Help:      "Outbound events written to the transport.",
		}, []string{"event"}),
	}

	c.registry.MustRegister(c.transitions, c.rejected, c.dropped, c.emitted)

	return c
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Rejected(phase, trigger string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(phase, trigger).Inc()
}

func (c *Collector) Dropped(event, reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(event, reason).Inc()
}

func (c *Collector) Emitted(event string) {
	if c == nil {
		return
	}
	c.emitted.WithLabelValues(event).Inc()
}

// TrackArena exports the dev server's connected players and running matches
// as gauges read at scrape time.
func (c *Collector) TrackArena(players, matches func() int) {
	if c == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "players_connected",
			Help:      "Players currently connected to the arena.",
		}, func() float64 { return float64(players()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "matches_running",
			Help:      "Matches currently in progress.",
		}, func() float64 { return float64(matches()) }),
	)
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
