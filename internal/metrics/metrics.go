// Package metrics holds the process-wide prometheus counters of the
// ingest side (telemetry listener, session queue, identity worker). The
// debug server in internal/api exports them through the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality only; no per-character labels.
var (
	censusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hud_census_reconnects_total",
		Help: "Upstream telemetry reconnect attempts",
	})

	censusMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hud_census_malformed_total",
		Help: "Upstream frames dropped as malformed",
	})

	censusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hud_census_events_total",
		Help: "Upstream events by outcome",
	}, []string{"outcome"}) // "accepted", "duplicate", "world_filtered"

	identityBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hud_identity_batches_total",
		Help: "Identity resolver batches by result",
	}, []string{"result"}) // "ok", "error", "store_error"

	sessionDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hud_session_queue_dropped_total",
		Help: "Raw events dropped because the session queue was full",
	})
)

// CensusReconnect counts an upstream reconnect attempt.
func CensusReconnect() { censusReconnects.Inc() }

// CensusMalformed counts a dropped upstream frame.
func CensusMalformed() { censusMalformed.Inc() }

// CensusEvent counts an upstream event by outcome.
func CensusEvent(outcome string) {
	censusEvents.WithLabelValues(outcome).Inc()
}

// IdentityBatch counts a resolver batch by result.
func IdentityBatch(result string) {
	identityBatches.WithLabelValues(result).Inc()
}

// SessionDropped counts a raw event lost to a full session queue.
func SessionDropped() { sessionDropped.Inc() }
