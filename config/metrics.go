package config

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the engine's Prometheus collectors. All names are prefixed "vatrecon_".
type Metrics struct {
	StageRunsTotal         *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	StageConflictsTotal    *prometheus.CounterVec
	AnomaliesCreatedTotal  *prometheus.CounterVec
	CorrectionsTotal       *prometheus.CounterVec
	RulesUpsertedTotal     *prometheus.CounterVec
	ClassifierFallbacks    *prometheus.CounterVec
	MatchRate              prometheus.Histogram
	PubSubMessagesTotal    *prometheus.CounterVec
	ActiveRulesCacheLookup *prometheus.CounterVec
	OutboxPublishTotal     *prometheus.CounterVec
}

// GetMetrics registers collectors on first use; later calls return the same set.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StageRunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_stage_runs_total",
					Help: "Engine stage runs by stage and outcome",
				},
				[]string{"stage", "outcome"}, // outcome: ok, validation, conflict, error
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vatrecon_stage_duration_seconds",
					Help:    "Duration of engine stage runs",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
				},
				[]string{"stage"},
			),
			StageConflictsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_stage_conflicts_total",
					Help: "Runs rejected because another run held the session",
				},
				[]string{"stage"},
			),
			AnomaliesCreatedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_anomalies_created_total",
					Help: "Anomalies created by type",
				},
				[]string{"type"},
			),
			CorrectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_corrections_recorded_total",
					Help: "Corrections appended to the audit log",
				},
				[]string{"entity_type"},
			),
			RulesUpsertedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_rules_upserted_total",
					Help: "Correction rules created or strengthened by the learner",
				},
				[]string{"action"}, // created, updated
			),
			ClassifierFallbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_classifier_fallbacks_total",
					Help: "Classification batches answered by the rule-based fallback",
				},
				[]string{"reason"},
			),
			MatchRate: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vatrecon_match_rate",
					Help:    "Match rate of completed match runs",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
			PubSubMessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_pubsub_messages_total",
					Help: "Correction events handled by the push endpoint",
				},
				[]string{"outcome"},
			),
			ActiveRulesCacheLookup: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_active_rules_cache_total",
					Help: "Active rule cache lookups by result",
				},
				[]string{"result"}, // hit, miss
			),
			OutboxPublishTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vatrecon_outbox_publish_total",
					Help: "Outbox retries by outcome",
				},
				[]string{"outcome"}, // sent, failed, dead
			),
		}
	})
	return globalMetrics
}
