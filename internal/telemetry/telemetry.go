// Package telemetry holds the Prometheus collectors shared by the ingestion
// worker and the query path. Everything here observes; nothing here may
// influence pipeline behaviour.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepDuration tracks wall time per ingestion step attempt.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veracify_ingest_step_duration_seconds",
		Help:    "Duration of ingestion step attempts.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"step", "status"})

	// StepRetries counts retried step attempts.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veracify_ingest_step_retries_total",
		Help: "Ingestion step attempts that were retried after a failure.",
	}, []string{"step"})

	// DocumentsProcessed counts terminal ingestion outcomes.
	DocumentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veracify_documents_processed_total",
		Help: "Documents that reached a terminal processing state.",
	}, []string{"status"})

	// RetrievalDuration tracks query-time retrieval latency.
	RetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veracify_retrieval_duration_seconds",
		Help:    "Latency of chunk retrieval per query.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// AnswerDuration tracks end-to-end answer synthesis latency.
	AnswerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veracify_answer_duration_seconds",
		Help:    "End-to-end latency of streamed answers.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// CitationsPerAnswer observes how many citations each answer carried.
	CitationsPerAnswer = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veracify_citations_per_answer",
		Help:    "Number of correlated citations per completed answer.",
		Buckets: prometheus.LinearBuckets(0, 1, 16),
	})
)
