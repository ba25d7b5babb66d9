// Package integration provides end-to-end integration tests for Foresight.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	apihttp "github.com/foresight/foresight/internal/api/http"
	"github.com/foresight/foresight/internal/config"
	"github.com/foresight/foresight/internal/feature"
	"github.com/foresight/foresight/internal/ingest"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/scheduler"
	"github.com/foresight/foresight/internal/serve"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/internal/train"
	"github.com/foresight/foresight/internal/transform"
	"github.com/foresight/foresight/pkg/types"
)

// TestPredictionLifecycle exercises the full platform flow:
// CSV source → extract → transform → feature store → train → registry →
// prediction API.
func TestPredictionLifecycle(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()

	// A clean linear relationship so the trained model validates.
	csvPath := filepath.Join(tempDir, "sales.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		t.Fatalf("failed to create source file: %v", err)
	}
	fmt.Fprintln(f, "units,revenue")
	for i := 0; i < 200; i++ {
		x := float64(i)
		fmt.Fprintf(f, "%g,%g\n", x, 2*x+5)
	}
	f.Close()

	objects, err := storage.NewLocalStorage(filepath.Join(tempDir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	store, err := feature.NewStore(filepath.Join(tempDir, "catalog.db"), objects, 10, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create feature store: %v", err)
	}
	defer store.Close()

	reg, err := registry.NewRegistry(filepath.Join(tempDir, "catalog.db"), objects)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	defer reg.Close()

	// Extract
	srcCfg := config.SourceConfig{
		ID:      "sales_csv",
		Kind:    "file",
		Dataset: "sales",
		Path:    csvPath,
		Fields:  []string{"units", "revenue"},
	}
	src, err := ingest.NewSource(srcCfg)
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}
	extractor := ingest.NewExtractor([]ingest.Source{src},
		map[string][]string{"sales_csv": srcCfg.Fields}, 3, 10*time.Millisecond)

	records, err := extractor.Extract(ctx, "sales_csv")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(records) != 200 {
		t.Fatalf("expected 200 records, got %d", len(records))
	}

	// Transform and store
	snap, err := transform.Apply("sales", records, transform.DefaultRules(srcCfg.Fields, 0.10))
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	saved, err := store.Save(ctx, snap)
	if err != nil {
		t.Fatalf("snapshot save failed: %v", err)
	}
	if saved.ID == "" || saved.RowCount() != 200 {
		t.Fatalf("unexpected snapshot: id=%q rows=%d", saved.ID, saved.RowCount())
	}

	// Train and promote through the scheduler
	trainCfg := config.TrainingConfig{
		RetrainInterval: time.Hour,
		Budget:          time.Minute,
		MinRows:         50,
		EvalFraction:    0.2,
	}
	trainer := train.NewTrainer(store, trainCfg, 0.95)
	models := []types.ModelConfig{{
		Model:     "sales_forecasting",
		Dataset:   "sales",
		Algorithm: train.AlgorithmLinear,
		Target:    "revenue",
		Metric:    "r2",
		MinScore:  0.9,
		Tolerance: 0.02,
		Seed:      7,
	}}
	sched := scheduler.NewScheduler(trainer, reg, models, trainCfg)

	started, err := sched.TryTrigger(ctx, "sales_forecasting")
	if err != nil || !started {
		t.Fatalf("training trigger failed: started=%v err=%v", started, err)
	}

	active, err := reg.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("expected active model after training: %v", err)
	}
	if active.Version != 1 || active.Status != types.StatusValidated {
		t.Fatalf("unexpected active artifact: version=%d status=%s", active.Version, active.Status)
	}

	// Serve through the HTTP API
	cache := serve.NewMemoryCache(time.Hour, time.Minute)
	defer cache.Stop()
	engine := serve.NewEngine(reg, cache, observability.NewModelStats(time.Hour), config.ServingConfig{
		CacheTTL:        time.Hour,
		CacheBackend:    "memory",
		RequestTimeout:  5 * time.Second,
		MaxHorizonDays:  90,
		ConfidenceLevel: 0.95,
	})
	handler := apihttp.DefaultMiddleware()(apihttp.NewPredictHandler(engine))

	predict := func() *types.PredictionResult {
		body, _ := json.Marshal(types.PredictionRequest{
			Model: "sales_forecasting",
			Data:  map[string]float64{"units": 50},
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("prediction failed: status=%d body=%s", w.Code, w.Body.String())
		}
		var result types.PredictionResult
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to decode prediction: %v", err)
		}
		return &result
	}

	first := predict()
	if first.Cached {
		t.Error("expected first prediction to miss the cache")
	}
	if first.Prediction < 100 || first.Prediction > 110 {
		t.Errorf("expected prediction near 105, got %g", first.Prediction)
	}
	ci := first.ConfidenceInterval
	if ci.Level != 0.95 || ci.Lower > first.Prediction || ci.Upper < first.Prediction {
		t.Errorf("interval does not bracket prediction: %+v", ci)
	}
	if first.ModelVersion != 1 {
		t.Errorf("expected model version 1, got %d", first.ModelVersion)
	}

	second := predict()
	if !second.Cached {
		t.Error("expected second identical prediction to hit the cache")
	}
	if second.Prediction != first.Prediction {
		t.Errorf("cached prediction diverged: %g vs %g", second.Prediction, first.Prediction)
	}

	// Unknown model surfaces NO_ACTIVE_MODEL as 404
	body, _ := json.Marshal(types.PredictionRequest{Model: "churn", Data: map[string]float64{"units": 1}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for model without active version, got %d", w.Code)
	}
}

// TestLargeBatchIngest pushes ten thousand rows through the pipeline and
// verifies the snapshot round-trips intact.
func TestLargeBatchIngest(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()

	csvPath := filepath.Join(tempDir, "metrics.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		t.Fatalf("failed to create source file: %v", err)
	}
	fmt.Fprintln(f, "visits,conversions,revenue")
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(f, "%d,%d,%g\n", 100+i%500, i%37, float64(i%500)*1.75)
	}
	f.Close()

	objects, err := storage.NewLocalStorage(filepath.Join(tempDir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	store, err := feature.NewStore(filepath.Join(tempDir, "catalog.db"), objects, 10, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create feature store: %v", err)
	}
	defer store.Close()

	fields := []string{"visits", "conversions", "revenue"}
	src, err := ingest.NewSource(config.SourceConfig{
		ID: "metrics_csv", Kind: "file", Dataset: "metrics", Path: csvPath, Fields: fields,
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}
	extractor := ingest.NewExtractor([]ingest.Source{src},
		map[string][]string{"metrics_csv": fields}, 3, 10*time.Millisecond)

	records, err := extractor.Extract(ctx, "metrics_csv")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	snap, err := transform.Apply("metrics", records, transform.DefaultRules(fields, 0.10))
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	saved, err := store.Save(ctx, snap)
	if err != nil {
		t.Fatalf("snapshot save failed: %v", err)
	}
	if saved.RowCount() != 10000 {
		t.Fatalf("expected 10000 rows, got %d", saved.RowCount())
	}

	loaded, err := store.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("snapshot load failed: %v", err)
	}
	if loaded.RowCount() != 10000 {
		t.Errorf("expected 10000 rows after reload, got %d", loaded.RowCount())
	}
	if loaded.Rows[9999].Numeric["visits"] != float64(100+9999%500) {
		t.Errorf("last row corrupted: %+v", loaded.Rows[9999].Numeric)
	}
}
