// Package train fits predictive models over feature snapshots and
// evaluates them against a held-out partition.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/foresight/foresight/internal/config"
	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/feature"
	"github.com/foresight/foresight/pkg/types"
)

// Model is a fitted model ready for inference.
type Model interface {
	// Predict evaluates the model on one feature vector.
	Predict(features map[string]float64) (float64, error)

	// Kind returns the algorithm identifier.
	Kind() string

	// State serializes the model parameters.
	State() (json.RawMessage, error)
}

// DecodeState reconstructs a model from its serialized state.
func DecodeState(kind string, state json.RawMessage, features []string) (Model, error) {
	switch kind {
	case AlgorithmLinear, AlgorithmRidge:
		var st linearState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("decode %s state: %w", kind, err)
		}
		if len(st.Coefficients) != len(features) {
			return nil, fmt.Errorf("decode %s state: %d coefficients for %d features",
				kind, len(st.Coefficients), len(features))
		}
		return &LinearModel{state: st, features: features}, nil

	case AlgorithmForest:
		var st forestState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("decode %s state: %w", kind, err)
		}
		if len(st.Trees) == 0 {
			return nil, fmt.Errorf("decode %s state: no trees", kind)
		}
		return &ForestModel{state: st, features: features}, nil

	default:
		return nil, fmt.Errorf("unknown model kind: %q", kind)
	}
}

// Trainer runs training jobs against the feature store.
type Trainer struct {
	store           *feature.Store
	minRows         int64
	evalFraction    float64
	budget          time.Duration
	confidenceLevel float64

	nowFn func() time.Time
}

// NewTrainer creates a trainer. confidenceLevel is the coverage the
// residual intervals of produced artifacts are calibrated at.
func NewTrainer(store *feature.Store, cfg config.TrainingConfig, confidenceLevel float64) *Trainer {
	return &Trainer{
		store:           store,
		minRows:         cfg.MinRows,
		evalFraction:    cfg.EvalFraction,
		budget:          cfg.Budget,
		confidenceLevel: confidenceLevel,
		nowFn:           time.Now,
	}
}

// Train runs one training job per the model configuration. The
// returned artifact carries no version; the registry assigns one on
// registration. Artifacts whose acceptance metric misses the configured
// minimum come back with status rejected rather than an error.
func (t *Trainer) Train(ctx context.Context, cfg types.ModelConfig) (*types.ModelArtifact, error) {
	snapshots, err := t.store.Latest(ctx, cfg.Dataset, cfg.SelectSnapshots)
	if err != nil {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %s: failed to load snapshots", cfg.Model), err)
	}
	if len(snapshots) == 0 {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %s: dataset %q has no snapshots", cfg.Model, cfg.Dataset), nil)
	}

	features := cfg.Features
	if len(features) == 0 {
		features = inferFeatures(snapshots, cfg.Target)
	}
	if len(features) == 0 {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %s: no usable features besides target %q", cfg.Model, cfg.Target), nil)
	}

	x, y, snapshotIDs := assemble(snapshots, features, cfg.Target)
	if int64(len(y)) < t.minRows {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			fmt.Sprintf("model %s: %d usable rows, need at least %d", cfg.Model, len(y), t.minRows), nil)
	}

	tctx := ctx
	if t.budget > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, t.budget)
		defer cancel()
	}

	trainIdx, evalIdx := SplitIndices(len(y), t.evalFraction, cfg.Seed)
	model, err := t.fit(tctx, cfg, subsetRows(x, trainIdx), subsetVals(y, trainIdx), features)
	if err != nil {
		return nil, err
	}
	if err := tctx.Err(); err != nil {
		return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
			fmt.Sprintf("model %s: training budget exceeded", cfg.Model), err)
	}

	actual := make([]float64, 0, len(evalIdx))
	predicted := make([]float64, 0, len(evalIdx))
	for _, i := range evalIdx {
		pred, err := model.Predict(featureMap(features, x[i]))
		if err != nil {
			return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
				fmt.Sprintf("model %s: evaluation failed", cfg.Model), err)
		}
		actual = append(actual, y[i])
		predicted = append(predicted, pred)
	}

	metrics := Evaluate(actual, predicted)
	score := metrics.Metric(cfg.Metric)

	status := types.StatusRejected
	if MeetsThreshold(cfg.Metric, score, cfg.MinScore) {
		status = types.StatusValidated
	}

	state, err := model.State()
	if err != nil {
		return nil, ferrors.NewInternalError(
			fmt.Sprintf("model %s: failed to serialize state", cfg.Model), err)
	}

	log.Printf("train: model %s fitted on %d rows (%s=%.4f, status=%s)",
		cfg.Model, len(trainIdx), cfg.Metric, score, status)

	return &types.ModelArtifact{
		ModelName:       cfg.Model,
		Status:          status,
		Config:          cfg,
		Metrics:         metrics,
		StateKind:       model.Kind(),
		State:           state,
		FeatureNames:    features,
		Residuals:       Residuals(actual, predicted),
		ConfidenceLevel: t.confidenceLevel,
		TrainingRows:    int64(len(trainIdx)),
		SnapshotIDs:     snapshotIDs,
		TrainedAt:       t.nowFn().UTC(),
	}, nil
}

func (t *Trainer) fit(ctx context.Context, cfg types.ModelConfig, x [][]float64, y []float64, features []string) (Model, error) {
	switch cfg.Algorithm {
	case AlgorithmLinear, "":
		return fitLinear(x, y, features, 0)
	case AlgorithmRidge:
		lambda := cfg.Hyperparams["lambda"]
		if lambda <= 0 {
			lambda = 1.0
		}
		return fitLinear(x, y, features, lambda)
	case AlgorithmForest:
		return fitForest(ctx, x, y, features, cfg.Hyperparams, cfg.Seed)
	default:
		return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
			fmt.Sprintf("model %s: unknown algorithm %q", cfg.Model, cfg.Algorithm), nil)
	}
}

// inferFeatures collects every numeric feature name present in the
// snapshots except the target, sorted for stable ordering.
func inferFeatures(snapshots []*types.FeatureSnapshot, target string) []string {
	seen := make(map[string]bool)
	for _, snap := range snapshots {
		for _, row := range snap.Rows {
			for name := range row.Numeric {
				if name != target {
					seen[name] = true
				}
			}
		}
	}

	features := make([]string, 0, len(seen))
	for name := range seen {
		features = append(features, name)
	}
	sort.Strings(features)
	return features
}

// assemble flattens snapshot rows into a design matrix, keeping only
// rows that carry the target and every feature.
func assemble(snapshots []*types.FeatureSnapshot, features []string, target string) (x [][]float64, y []float64, snapshotIDs []string) {
	for _, snap := range snapshots {
		snapshotIDs = append(snapshotIDs, snap.ID)
	rows:
		for _, row := range snap.Rows {
			yv, ok := row.Numeric[target]
			if !ok {
				continue
			}
			vec := make([]float64, len(features))
			for j, name := range features {
				v, ok := row.Numeric[name]
				if !ok {
					continue rows
				}
				vec[j] = v
			}
			x = append(x, vec)
			y = append(y, yv)
		}
	}
	return x, y, snapshotIDs
}

func subsetRows(x [][]float64, indices []int) [][]float64 {
	out := make([][]float64, len(indices))
	for i, idx := range indices {
		out[i] = x[idx]
	}
	return out
}

func subsetVals(y []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = y[idx]
	}
	return out
}

func featureMap(features []string, vec []float64) map[string]float64 {
	m := make(map[string]float64, len(features))
	for i, name := range features {
		m[name] = vec[i]
	}
	return m
}
