// Package types provides core data types for the Foresight platform.
package types

import (
	"encoding/json"
	"time"
)

// RawRecord is a single untyped record pulled from a source.
// Immutable once ingested.
type RawRecord struct {
	// Source identifies the registered source this record came from
	Source string `json:"source"`

	// IngestedAt is the ingestion timestamp assigned by the extractor
	IngestedAt time.Time `json:"ingested_at"`

	// Fields holds the raw field name to value mapping
	Fields map[string]interface{} `json:"fields"`
}

// FeatureRow is a typed, validated feature row derived from raw records.
type FeatureRow struct {
	// SnapshotID is the snapshot this row belongs to (assigned on save)
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Numeric holds numeric feature values by feature name
	Numeric map[string]float64 `json:"numeric"`

	// Categorical holds categorical feature values by feature name
	Categorical map[string]string `json:"categorical,omitempty"`

	// Valid is false only for rows retained for inspection; the transform
	// stage drops invalid rows before they reach a snapshot
	Valid bool `json:"valid"`
}

// FeatureSnapshot is an ordered, immutable batch of validated feature rows.
// The transform stage produces snapshots with ID and CreatedAt unset; the
// feature store assigns both on save and never mutates a saved snapshot.
type FeatureSnapshot struct {
	ID          string       `json:"id,omitempty"`
	Dataset     string       `json:"dataset"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
	Rows        []FeatureRow `json:"rows"`
	DroppedRows int64        `json:"dropped_rows"`
}

// RowCount returns the number of rows in the snapshot.
func (s *FeatureSnapshot) RowCount() int64 {
	return int64(len(s.Rows))
}

// ModelConfig describes how one predictive model is trained.
type ModelConfig struct {
	// Model is the model name (e.g. "sales_forecasting")
	Model string `json:"model" yaml:"model"`

	// Dataset names the feature-store dataset to train on
	Dataset string `json:"dataset" yaml:"dataset"`

	// Algorithm identifies the training algorithm:
	// linear_regression, ridge_regression, random_forest
	Algorithm string `json:"algorithm" yaml:"algorithm"`

	// Hyperparams holds algorithm hyperparameters (n_estimators,
	// max_depth, lambda, ...)
	Hyperparams map[string]float64 `json:"hyperparams,omitempty" yaml:"hyperparams"`

	// Target is the feature name the model predicts
	Target string `json:"target" yaml:"target"`

	// Features restricts the input feature names; empty means every
	// numeric feature in the snapshot except the target
	Features []string `json:"features,omitempty" yaml:"features"`

	// SelectSnapshots is the training-data selection rule: the most
	// recent N snapshots are merged into one training set (default 1)
	SelectSnapshots int `json:"select_snapshots,omitempty" yaml:"select_snapshots"`

	// Metric is the acceptance metric: r2, mape, rmse, mae (default r2)
	Metric string `json:"metric,omitempty" yaml:"metric"`

	// MinScore is the acceptance threshold on Metric; artifacts below it
	// are registered as rejected and never promoted
	MinScore float64 `json:"min_score,omitempty" yaml:"min_score"`

	// Tolerance is the promotion gate: a retrained model is promoted when
	// its metric is within Tolerance of the incumbent's
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance"`

	// Seed makes the train/eval split reproducible
	Seed int64 `json:"seed,omitempty" yaml:"seed"`
}

// ArtifactStatus is the lifecycle status of a trained model artifact.
type ArtifactStatus string

const (
	StatusValidated ArtifactStatus = "validated"
	StatusRejected  ArtifactStatus = "rejected"
)

// EvalMetrics holds evaluation metrics computed against the held-out
// partition of a training run.
type EvalMetrics struct {
	MAPE float64 `json:"mape"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

// Metric returns the named metric value.
func (m EvalMetrics) Metric(name string) float64 {
	switch name {
	case "mape":
		return m.MAPE
	case "rmse":
		return m.RMSE
	case "mae":
		return m.MAE
	default:
		return m.R2
	}
}

// ModelArtifact is the versioned, immutable output of one training run.
type ModelArtifact struct {
	ModelName string         `json:"model_name"`
	Version   int64          `json:"version"`
	Status    ArtifactStatus `json:"status"`
	Config    ModelConfig    `json:"config"`
	Metrics   EvalMetrics    `json:"metrics"`

	// StateKind identifies the serialized model state format (algorithm)
	StateKind string `json:"state_kind"`

	// State is the serialized model parameters
	State json.RawMessage `json:"state"`

	// FeatureNames is the exact input feature set the model expects
	FeatureNames []string `json:"feature_names"`

	// Residuals holds sorted absolute held-out residuals used for
	// residual-based prediction intervals
	Residuals []float64 `json:"residuals"`

	// ConfidenceLevel is the interval coverage the model was calibrated at
	ConfidenceLevel float64 `json:"confidence_level"`

	TrainingRows int64     `json:"training_rows"`
	SnapshotIDs  []string  `json:"snapshot_ids"`
	TrainedAt    time.Time `json:"trained_at"`
}

// PredictionRequest is one serving request.
type PredictionRequest struct {
	Model string `json:"model"`

	// Data holds the input feature values
	Data map[string]float64 `json:"data"`

	// HorizonDays is the optional forecast horizon
	HorizonDays int `json:"horizon_days,omitempty"`

	// ConfidenceLevel optionally overrides the model's trained level
	ConfidenceLevel float64 `json:"confidence_level,omitempty"`
}

// ConfidenceInterval is a calibrated prediction interval.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// PredictionResult is the serving response for one prediction.
type PredictionResult struct {
	Prediction         float64            `json:"prediction"`
	ConfidenceInterval ConfidenceInterval `json:"confidence_interval"`
	ModelVersion       int64              `json:"model_version"`

	// ModelAgeSeconds is the age of the active model at serving time
	ModelAgeSeconds int64 `json:"model_age_seconds"`

	// Cached reports whether the result was served from the cache
	Cached bool `json:"cached"`
}
