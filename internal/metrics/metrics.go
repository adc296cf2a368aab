// Package metrics exposes Prometheus collectors for the migration
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MigrationsStarted counts accepted migration requests.
	MigrationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "migrator_migrations_started_total",
		Help: "Number of migrations accepted",
	})

	// MigrationsFinished counts migrations reaching a terminal status.
	MigrationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "migrator_migrations_finished_total",
		Help: "Number of migrations reaching a terminal status",
	}, []string{"outcome"})

	// StageDuration observes wall time per stage handler run.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "migrator_stage_duration_seconds",
		Help:    "Stage handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"stage"})

	// StageRetries counts stage-level retry attempts.
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "migrator_stage_retries_total",
		Help: "Number of stage-level retries",
	}, []string{"stage"})

	// BlobBytesTransferred counts bytes moved by the blob engine.
	BlobBytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "migrator_blob_bytes_transferred_total",
		Help: "Bytes of blob data moved to the destination",
	})

	// AdmissionDenied counts heavy-I/O stage executions deferred by
	// the admission controller.
	AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "migrator_admission_denied_total",
		Help: "Heavy-I/O stage executions deferred by admission control",
	})
)
