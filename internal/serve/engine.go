package serve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foresight/foresight/internal/config"
	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/train"
	"github.com/foresight/foresight/pkg/types"
)

// Engine serves predictions from the active model per request, with
// results cached by request fingerprint. Serving reads the registry's
// atomic active pointer and its own decoded-model cache only, so it
// never blocks on a retrain in progress.
type Engine struct {
	registry *registry.Registry
	cache    Cache
	stats    *observability.ModelStats

	timeout           time.Duration
	maxHorizonDays    int
	defaultConfidence float64

	// decoded caches inference-ready models keyed by name@version;
	// artifacts are immutable so entries never invalidate
	decoded sync.Map

	nowFn func() time.Time
}

// NewEngine creates a serving engine.
func NewEngine(reg *registry.Registry, cache Cache, stats *observability.ModelStats, cfg config.ServingConfig) *Engine {
	return &Engine{
		registry:          reg,
		cache:             cache,
		stats:             stats,
		timeout:           cfg.RequestTimeout,
		maxHorizonDays:    cfg.MaxHorizonDays,
		defaultConfidence: cfg.ConfidenceLevel,
		nowFn:             time.Now,
	}
}

// Predict answers one prediction request.
func (e *Engine) Predict(ctx context.Context, req types.PredictionRequest) (*types.PredictionResult, error) {
	start := time.Now()
	result, err := e.predict(ctx, req)
	observability.PredictionLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.PredictionsTotal.WithLabelValues(req.Model, "error").Inc()
		if e.stats != nil {
			e.stats.RecordError(req.Model)
		}
		return nil, err
	}

	outcome := "miss"
	if result.Cached {
		outcome = "hit"
	}
	observability.PredictionsTotal.WithLabelValues(req.Model, outcome).Inc()
	if e.stats != nil {
		e.stats.RecordRequest(req.Model, result.Cached)
	}
	return result, nil
}

func (e *Engine) predict(ctx context.Context, req types.PredictionRequest) (*types.PredictionResult, error) {
	if req.Model == "" {
		return nil, ferrors.NewServingError(ferrors.CodeInvalidFeatureShape,
			"model name is required")
	}
	if req.HorizonDays < 0 || req.HorizonDays > e.maxHorizonDays {
		return nil, ferrors.NewServingError(ferrors.CodeInvalidFeatureShape,
			fmt.Sprintf("horizon_days %d outside [0, %d]", req.HorizonDays, e.maxHorizonDays))
	}

	confidence := req.ConfidenceLevel
	if confidence == 0 {
		confidence = e.defaultConfidence
	}
	if confidence <= 0 || confidence >= 1 {
		return nil, ferrors.NewServingError(ferrors.CodeInvalidFeatureShape,
			fmt.Sprintf("confidence_level %g outside (0, 1)", confidence))
	}

	artifact, err := e.registry.GetActive(req.Model)
	if err != nil {
		return nil, err
	}

	if err := checkShape(artifact.FeatureNames, req.Data); err != nil {
		return nil, err
	}

	key := CacheKey(req.Model, Fingerprint(req.Data, req.HorizonDays, confidence))
	if cached, ok := e.cache.Get(ctx, key); ok {
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	prediction, err := e.infer(ctx, artifact, req.Data)
	if err != nil {
		return nil, err
	}

	margin := train.ResidualQuantile(artifact.Residuals, confidence)
	result := &types.PredictionResult{
		Prediction: prediction,
		ConfidenceInterval: types.ConfidenceInterval{
			Lower: prediction - margin,
			Upper: prediction + margin,
			Level: confidence,
		},
		ModelVersion:    artifact.Version,
		ModelAgeSeconds: int64(e.nowFn().Sub(artifact.TrainedAt).Seconds()),
		Cached:          false,
	}

	e.cache.Set(ctx, key, result)
	return result, nil
}

// infer runs model inference under the per-request timeout.
func (e *Engine) infer(ctx context.Context, artifact *types.ModelArtifact, data map[string]float64) (float64, error) {
	model, err := e.modelFor(artifact)
	if err != nil {
		return 0, err
	}

	tctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if d, ok := tctx.Deadline(); ok && !time.Now().Before(d) {
		return 0, ferrors.NewServingError(ferrors.CodePredictionTimeout,
			fmt.Sprintf("model %s: inference exceeded %v", artifact.ModelName, e.timeout))
	}

	type inferOut struct {
		value float64
		err   error
	}
	done := make(chan inferOut, 1)
	go func() {
		v, err := model.Predict(data)
		done <- inferOut{v, err}
	}()

	select {
	case <-tctx.Done():
		return 0, ferrors.NewServingError(ferrors.CodePredictionTimeout,
			fmt.Sprintf("model %s: inference exceeded %v", artifact.ModelName, e.timeout))
	case out := <-done:
		if out.err != nil {
			return 0, ferrors.NewServingError(ferrors.CodeInvalidFeatureShape, out.err.Error())
		}
		return out.value, nil
	}
}

// modelFor returns the decoded model for an artifact, reusing a prior
// decode of the same version.
func (e *Engine) modelFor(artifact *types.ModelArtifact) (train.Model, error) {
	key := fmt.Sprintf("%s@%d", artifact.ModelName, artifact.Version)
	if cached, ok := e.decoded.Load(key); ok {
		return cached.(train.Model), nil
	}

	model, err := train.DecodeState(artifact.StateKind, artifact.State, artifact.FeatureNames)
	if err != nil {
		return nil, ferrors.NewInternalError(
			fmt.Sprintf("model %s v%d state is unusable", artifact.ModelName, artifact.Version), err)
	}

	e.decoded.Store(key, model)
	return model, nil
}

// checkShape verifies the request carries exactly the trained feature
// set.
func checkShape(featureNames []string, data map[string]float64) error {
	expected := make(map[string]bool, len(featureNames))
	for _, name := range featureNames {
		expected[name] = true
		if _, ok := data[name]; !ok {
			return ferrors.NewServingError(ferrors.CodeInvalidFeatureShape,
				fmt.Sprintf("missing feature %q", name))
		}
	}
	for name := range data {
		if !expected[name] {
			return ferrors.NewServingError(ferrors.CodeInvalidFeatureShape,
				fmt.Sprintf("unknown feature %q", name))
		}
	}
	return nil
}
