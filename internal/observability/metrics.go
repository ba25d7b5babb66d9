// Package observability provides Prometheus metrics and per-model
// serving statistics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PredictionsTotal counts served predictions by model and outcome
	// (hit, miss, error).
	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foresight",
		Subsystem: "serving",
		Name:      "predictions_total",
		Help:      "Predictions served, by model and cache outcome.",
	}, []string{"model", "outcome"})

	// PredictionLatency observes end-to-end prediction latency.
	PredictionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foresight",
		Subsystem: "serving",
		Name:      "prediction_latency_seconds",
		Help:      "Prediction request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model"})

	// TrainingRunsTotal counts training runs by model and result
	// (promoted, rejected, failed).
	TrainingRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foresight",
		Subsystem: "training",
		Name:      "runs_total",
		Help:      "Training runs, by model and result.",
	}, []string{"model", "result"})

	// TrainingDuration observes wall-clock training time.
	TrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foresight",
		Subsystem: "training",
		Name:      "duration_seconds",
		Help:      "Training run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"model"})

	// ActiveModelVersion exports the promoted version per model.
	ActiveModelVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foresight",
		Subsystem: "registry",
		Name:      "active_model_version",
		Help:      "Currently promoted model version.",
	}, []string{"model"})

	// SnapshotsSaved counts persisted feature snapshots per dataset.
	SnapshotsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foresight",
		Subsystem: "feature",
		Name:      "snapshots_saved_total",
		Help:      "Feature snapshots persisted, by dataset.",
	}, []string{"dataset"})

	// SnapshotRows observes row counts of persisted snapshots.
	SnapshotRows = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foresight",
		Subsystem: "feature",
		Name:      "snapshot_rows",
		Help:      "Rows per persisted snapshot.",
		Buckets:   prometheus.ExponentialBuckets(10, 10, 6),
	}, []string{"dataset"})
)
