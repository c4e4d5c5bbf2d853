// Package relay – Prometheus instrumentation for router outcomes.
//
// Labels stay low-cardinality: outcomes are a closed set, never user or
// thread identifiers.
package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	// relayForwards counts pipeline outcomes per inbound message.
	relayForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Total inbound messages processed, by outcome.",
		},
		[]string{"outcome"}, // forwarded|queued|rate_limited|lost|closed|error
	)

	// relayLost counts Lost transitions (destination loss detected).
	relayLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_lost_transitions_total",
			Help: "Total destination-loss transitions.",
		},
	)

	// relayReplays counts pending messages replayed after verification.
	relayReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_pending_replayed_total",
			Help: "Total pending messages replayed after verification.",
		},
	)

	// relayTopicsCreated counts successfully created (and verified) topics.
	relayTopicsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_topics_created_total",
			Help: "Total topic threads created and verified.",
		},
	)
)

func init() {
	prometheus.MustRegister(relayForwards, relayLost, relayReplays, relayTopicsCreated)
}
