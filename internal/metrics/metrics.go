// Package metrics provides Prometheus collectors for the reencoder pipeline.
//
// Labels stay low-cardinality: stage, topic, category and outcome only,
// never a video id or path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchedTotal counts items handed to stage workers.
	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_dispatched_items_total",
		Help: "Total number of items dispatched to stage workers, by stage and source (manual/selected).",
	}, []string{"stage", "source"})

	// BatchOutcomeTotal counts finished worker batches.
	BatchOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_batch_outcome_total",
		Help: "Total number of worker batches, by stage and outcome (ok/error/timeout/panic).",
	}, []string{"stage", "outcome"})

	// Demand tracks outstanding demand per stage.
	Demand = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reencoder_stage_demand",
		Help: "Outstanding demand of a stage producer.",
	}, []string{"stage"})

	// InFlight tracks items currently held by workers.
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reencoder_stage_in_flight",
		Help: "Items currently being processed by a stage.",
	}, []string{"stage"})

	// Paused is 1 while a stage producer is paused.
	Paused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reencoder_stage_paused",
		Help: "Whether a stage producer is paused (1) or running (0).",
	}, []string{"stage"})

	// StateTransitionsTotal counts applied video state transitions.
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_state_transitions_total",
		Help: "Total number of applied video state transitions, by target state.",
	}, []string{"to"})

	// LostRacesTotal counts conditional updates that matched no row.
	LostRacesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reencoder_state_lost_races_total",
		Help: "Total number of state transitions that lost a race to another writer.",
	})

	// FailuresTotal counts failure records by stage and category.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_failures_total",
		Help: "Total number of failure records written, by stage and category.",
	}, []string{"stage", "category"})

	// SearchAttemptsTotal counts quality-search attempts by cascade step and result.
	SearchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_crf_search_attempts_total",
		Help: "Total number of quality-search attempts, by cascade step and result.",
	}, []string{"step", "result"})

	// ToolWarningsTotal counts warn/error lines emitted by external tools.
	ToolWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_tool_warnings_total",
		Help: "Total number of warning or error lines printed by external tools, by stage.",
	}, []string{"stage"})

	// CacheRequestsTotal counts metadata cache lookups.
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_metadata_cache_requests_total",
		Help: "Total number of metadata cache lookups, by result (hit/miss/stale).",
	}, []string{"result"})

	// CacheEvictionsTotal counts metadata cache evictions.
	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_metadata_cache_evictions_total",
		Help: "Total number of metadata cache evictions, by reason (capacity/ttl/invalidated).",
	}, []string{"reason"})

	// CacheEntries tracks the metadata cache size.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reencoder_metadata_cache_entries",
		Help: "Current number of entries in the metadata cache.",
	})

	// AnalysisWorkers tracks the concurrency computed for analysis.
	AnalysisWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reencoder_analysis_workers",
		Help: "Analysis worker count computed from load and memory.",
	})

	// EncodedBytesSavedTotal accumulates source minus output size.
	EncodedBytesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reencoder_encoded_bytes_saved_total",
		Help: "Total bytes saved by completed encodes.",
	})

	// BusDroppedTotal counts messages that could not be delivered.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_bus_dropped_total",
		Help: "Total number of bus message drops by topic and reason.",
	}, []string{"topic", "reason"})

	// UpstreamRequestsTotal counts Sonarr/Radarr API calls.
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reencoder_upstream_requests_total",
		Help: "Total number of upstream API requests, by service and outcome.",
	}, []string{"service", "outcome"})
)

// IncBusDrop records a dropped bus message with a concrete reason.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// IncFailure records a written failure record.
func IncFailure(stage, category string) {
	if category == "" {
		category = "internal"
	}
	FailuresTotal.WithLabelValues(stage, category).Inc()
}

// SetBool sets a gauge to 1 or 0.
func SetBool(g prometheus.Gauge, value bool) {
	if value {
		g.Set(1)
		return
	}
	g.Set(0)
}
