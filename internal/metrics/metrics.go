// Package metrics registers the process-wide Prometheus collectors and
// exposes the /metrics handler. Collectors are registered once at
// construction, never through package-level init, so a test process
// can build more than one Metrics without a duplicate-registration
// panic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the bot touches.
type Metrics struct {
	registry *prometheus.Registry

	MatchesRegistered   *prometheus.CounterVec
	MatchesUndone       *prometheus.CounterVec
	RegisterMatchErrors *prometheus.CounterVec
	RegisterMatchLatency prometheus.Histogram
	IdentityLookups     *prometheus.CounterVec
	RetryExhaustions    *prometheus.CounterVec
	CommandsRouted      *prometheus.CounterVec
}

// New builds and registers every collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		MatchesRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_matches_registered_total",
			Help: "Matches successfully registered, by outcome (new, duplicate).",
		}, []string{"outcome"}),
		MatchesUndone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_matches_undone_total",
			Help: "Matches undone, by invoker role (participant, admin).",
		}, []string{"invoker_role"}),
		RegisterMatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_register_match_errors_total",
			Help: "RegisterMatch failures, by error kind.",
		}, []string{"kind"}),
		RegisterMatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pingpongbot_register_match_duration_seconds",
			Help:    "RegisterMatch latency, end to end including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		IdentityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_identity_lookups_total",
			Help: "Identity verification outcomes, by status.",
		}, []string{"status"}),
		RetryExhaustions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_retry_exhaustions_total",
			Help: "Operations that exhausted their retry budget, by op.",
		}, []string{"op"}),
		CommandsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpongbot_commands_routed_total",
			Help: "Commands routed, by kind and outcome (ok, error).",
		}, []string{"kind", "outcome"}),
	}

	registry.MustRegister(
		m.MatchesRegistered,
		m.MatchesUndone,
		m.RegisterMatchErrors,
		m.RegisterMatchLatency,
		m.IdentityLookups,
		m.RetryExhaustions,
		m.CommandsRouted,
	)

	return m
}

// Handler returns the HTTP handler serving this registry's exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
