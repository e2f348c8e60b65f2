// Package metrics exposes the Prometheus collectors for the triage engine.
// Collectors register on the default registry and are served at /metrics
// by the admin router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decision path
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_decisions_total",
			Help: "Resolved HTTP events by action and reason",
		},
		[]string{"action", "reason"},
	)

	Effects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_effects_total",
			Help: "Enforcement effects applied to resolved events",
		},
		[]string{"effect"}, // FORWARDED, DENIED, CHALLENGED, BAD_GATEWAY
	)

	ProxyRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_proxy_rejected_total",
			Help: "Requests refused because the in-flight cap was reached",
		},
	)

	// Classifier
	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_classifier_requests_total",
			Help: "Classifier calls by outcome",
		},
		[]string{"outcome"}, // success, error, rejected
	)

	ClassifierErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_classifier_errors_total",
			Help: "Classifier calls that fell back to the default assessment",
		},
	)

	ClassifierLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triage_classifier_latency_seconds",
			Help:    "Latency of classifier calls",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triage_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Packet path
	Packets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_packets_total",
			Help: "Network-layer events scored by layer",
		},
		[]string{"layer"},
	)

	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_packets_dropped_total",
			Help: "Frames dropped before scoring",
		},
		[]string{"reason"}, // malformed, unsupported, panic
	)

	AttackSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_attack_signals_total",
			Help: "Attack signals emitted by category",
		},
		[]string{"category"},
	)

	IdentitiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_identities_active",
			Help: "Identities currently held in the state table",
		},
	)

	// Side channels
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_ledger_writes_total",
			Help: "Block ledger appends by result",
		},
		[]string{"result"},
	)

	OutboxDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_outbox_dropped_total",
			Help: "Events dropped because the publisher queue was full",
		},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_publish_errors_total",
			Help: "Failed publishes by sink",
		},
		[]string{"sink"},
	)

	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_geo_lookups_total",
			Help: "Country lookups by result",
		},
		[]string{"result"}, // local, cached, resolved, fallback
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_websocket_clients",
			Help: "Connected live-feed clients",
		},
	)
)

// BreakerStateValue maps a breaker state name to its gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	}
	return 0
}
