// Package benchmark provides performance benchmarks for Foresight.
package benchmark

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/foresight/foresight/internal/config"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/serve"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/internal/transform"
	"github.com/foresight/foresight/pkg/types"
)

// BenchmarkFingerprint measures cache key derivation cost on a typical
// feature vector.
func BenchmarkFingerprint(b *testing.B) {
	features := map[string]float64{
		"units": 150, "visits": 4200, "conversions": 37,
		"ad_spend": 1299.5, "season": 2,
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		serve.Fingerprint(features, 30, 0.95)
	}
}

// BenchmarkTransform measures validation and typing throughput on a
// ten-thousand-row batch.
func BenchmarkTransform(b *testing.B) {
	records := make([]types.RawRecord, 10000)
	now := time.Now().UTC()
	for i := range records {
		records[i] = types.RawRecord{
			Source:     "bench",
			IngestedAt: now,
			Fields: map[string]interface{}{
				"visits":      float64(100 + i%500),
				"conversions": float64(i % 37),
				"revenue":     float64(i%500) * 1.75,
			},
		}
	}
	rules := transform.DefaultRules([]string{"visits", "conversions", "revenue"}, 0.10)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := transform.Apply("bench", records, rules); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPredictCached measures serving latency with a warm prediction
// cache, the hot path for repeated dashboard queries.
func BenchmarkPredictCached(b *testing.B) {
	engine, cleanup := benchEngine(b)
	defer cleanup()

	req := types.PredictionRequest{
		Model: "bench_model",
		Data:  map[string]float64{"x": 10},
	}
	ctx := context.Background()

	// Warm the cache
	if _, err := engine.Predict(ctx, req); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Predict(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPredictUncached measures serving latency when every request
// needs model inference.
func BenchmarkPredictUncached(b *testing.B) {
	engine, cleanup := benchEngine(b)
	defer cleanup()

	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		req := types.PredictionRequest{
			Model: "bench_model",
			Data:  map[string]float64{"x": float64(i)},
		}
		if _, err := engine.Predict(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

func benchEngine(b *testing.B) (*serve.Engine, func()) {
	b.Helper()
	tempDir := b.TempDir()

	objects, err := storage.NewLocalStorage(filepath.Join(tempDir, "objects"))
	if err != nil {
		b.Fatal(err)
	}
	reg, err := registry.NewRegistry(filepath.Join(tempDir, "catalog.db"), objects)
	if err != nil {
		b.Fatal(err)
	}

	residuals := make([]float64, 100)
	for i := range residuals {
		residuals[i] = float64(i) * 0.1
	}
	artifact := &types.ModelArtifact{
		ModelName:       "bench_model",
		Status:          types.StatusValidated,
		Config:          types.ModelConfig{Model: "bench_model", Metric: "r2"},
		Metrics:         types.EvalMetrics{R2: 0.99},
		StateKind:       "linear_regression",
		State:           []byte(`{"intercept":5,"coefficients":[2]}`),
		FeatureNames:    []string{"x"},
		Residuals:       residuals,
		ConfidenceLevel: 0.95,
		TrainedAt:       time.Now().UTC(),
	}

	ctx := context.Background()
	registered, err := reg.Register(ctx, artifact)
	if err != nil {
		b.Fatal(err)
	}
	if err := reg.Promote(ctx, "bench_model", registered.Version); err != nil {
		b.Fatal(err)
	}

	cache := serve.NewMemoryCache(time.Hour, time.Minute)
	engine := serve.NewEngine(reg, cache, observability.NewModelStats(time.Hour), config.ServingConfig{
		CacheTTL:        time.Hour,
		RequestTimeout:  5 * time.Second,
		MaxHorizonDays:  90,
		ConfidenceLevel: 0.95,
	})

	return engine, func() {
		cache.Stop()
		reg.Close()
	}
}
