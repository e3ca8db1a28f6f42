// Package metrics exposes the Prometheus collectors for the fan-out,
// circuit-breaker, and pending-queue subsystems (SPEC_FULL.md's
// domain-stack wiring for linkerd2's prometheus/client_golang
// dependency). Collectors are package-level singletons registered
// against the default registry, matching the pattern of exposing a
// ready-to-use *prometheus.*Vec per concern rather than threading a
// registry handle through every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FanOutDeliveries counts every delivery attempt C5 makes, labeled by
	// outcome ("success", "failure", "circuit_open").
	FanOutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "actorcore",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Total subscriber callback delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// CircuitBreakerState reports the current state of each peer's
	// breaker as a gauge (0=closed, 1=half_open, 2=open) so it can be
	// graphed directly; a counter can't express "currently in this
	// state".
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "actorcore",
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Current circuit breaker state per peer (0=closed, 1=half_open, 2=open).",
		},
		[]string{"actor_id", "peer_id"},
	)

	// PendingQueueDepth tracks how many out-of-order callbacks C7 is
	// currently buffering per (publisher, subscription).
	PendingQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "actorcore",
			Subsystem: "callback",
			Name:      "pending_queue_depth",
			Help:      "Number of out-of-order callback envelopes buffered per subscription.",
		},
		[]string{"publisher_id", "subscription_id"},
	)
)

// StateGaugeValue maps a circuitbreaker.State string to the gauge
// encoding CircuitBreakerState documents.
func StateGaugeValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// ObserveDelivery records one fan-out outcome.
func ObserveDelivery(outcome string) {
	FanOutDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveBreakerState updates the breaker gauge for (actorID, peerID).
func ObserveBreakerState(actorID, peerID, state string) {
	CircuitBreakerState.WithLabelValues(actorID, peerID).Set(StateGaugeValue(state))
}

// ObservePendingQueueDepth updates the pending-queue gauge for one
// subscription.
func ObservePendingQueueDepth(publisherID, subscriptionID string, depth int) {
	PendingQueueDepth.WithLabelValues(publisherID, subscriptionID).Set(float64(depth))
}
