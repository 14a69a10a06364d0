// Package metrics holds the prometheus instruments shared across the
// pipeline. Everything is registered on the default registry and served
// by the API's /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivitiesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrplalerts_activities_classified_total",
		Help: "NFT activities produced by the classifier, by activity type.",
	}, []string{"activity_type"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrplalerts_dedup_hits_total",
		Help: "Activities discarded as duplicates before persistence.",
	})

	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrplalerts_batches_flushed_total",
		Help: "Activity batches committed to the database.",
	})

	BatchFlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xrplalerts_batch_flush_size",
		Help:    "Number of activities per committed batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
	})

	LedgersProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrplalerts_ledgers_processed_total",
		Help: "Validated ledgers fully processed.",
	})

	LedgerGapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrplalerts_ledger_gaps_detected_total",
		Help: "Gaps observed in the validated ledger sequence.",
	})

	HealthyNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xrplalerts_healthy_nodes",
		Help: "Upstream XRPL nodes currently connected and responsive.",
	})

	EnrichmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrplalerts_enrichment_outcomes_total",
		Help: "Enrichment attempts by outcome (completed, retry, failed).",
	}, []string{"outcome"})

	MatchEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrplalerts_match_evaluations_total",
		Help: "Alert config evaluations by result (matched, rejected).",
	}, []string{"result"})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xrplalerts_notifications_total",
		Help: "Notification delivery attempts by channel and status.",
	}, []string{"channel", "status"})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xrplalerts_bus_events_dropped_total",
		Help: "Activity events dropped on full subscriber buffers.",
	})
)
