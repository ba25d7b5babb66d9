package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/foresight/foresight/internal/config"
	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/feature"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/internal/train"
	"github.com/foresight/foresight/pkg/types"
)

type fixture struct {
	store     *feature.Store
	registry  *registry.Registry
	scheduler *Scheduler
	results   map[string]RunResult
}

func newFixture(t *testing.T, models []types.ModelConfig) *fixture {
	t.Helper()
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	store, err := feature.NewStore(filepath.Join(t.TempDir(), "features.db"), objects, 10, time.Hour)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.NewRegistry(filepath.Join(t.TempDir(), "registry.db"), objects)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	trainCfg := config.TrainingConfig{
		RetrainInterval: time.Hour,
		Budget:          time.Minute,
		MinRows:         10,
		EvalFraction:    0.2,
	}
	trainer := train.NewTrainer(store, trainCfg, 0.95)

	f := &fixture{
		store:    store,
		registry: reg,
		results:  make(map[string]RunResult),
	}
	f.scheduler = NewScheduler(trainer, reg, models, trainCfg)
	f.scheduler.onResult = func(model string, result RunResult) {
		f.results[model] = result
	}
	return f
}

func (f *fixture) saveSnapshot(t *testing.T, dataset string, n int, linear bool) {
	t.Helper()
	rows := make([]types.FeatureRow, n)
	for i := 0; i < n; i++ {
		x := float64(i)
		y := 2*x + 5
		if !linear {
			y = float64((i*7919 + 13) % 101)
		}
		rows[i] = types.FeatureRow{
			Numeric: map[string]float64{"x": x, "y": y},
			Valid:   true,
		}
	}
	if _, err := f.store.Save(context.Background(), &types.FeatureSnapshot{Dataset: dataset, Rows: rows}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func salesModel(minScore float64) types.ModelConfig {
	return types.ModelConfig{
		Model:           "sales_forecasting",
		Dataset:         "sales",
		Algorithm:       "linear_regression",
		Target:          "y",
		SelectSnapshots: 1,
		Metric:          "r2",
		MinScore:        minScore,
		Tolerance:       0.02,
		Seed:            7,
	}
}

func TestScheduler_TriggerTrainsAndPromotes(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})
	f.saveSnapshot(t, "sales", 100, true)

	ran, err := f.scheduler.TryTrigger(context.Background(), "sales_forecasting")
	if err != nil {
		t.Fatalf("TryTrigger failed: %v", err)
	}
	if !ran {
		t.Fatal("expected trigger to run")
	}
	if f.results["sales_forecasting"] != ResultPromoted {
		t.Errorf("result = %s, want promoted", f.results["sales_forecasting"])
	}

	active, err := f.registry.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active version = %d, want 1", active.Version)
	}

	state, _ := f.scheduler.State("sales_forecasting")
	if state != StateIdle {
		t.Errorf("state = %s, want idle after run", state)
	}
}

func TestScheduler_OverlappingTriggerIsNoOp(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})
	f.saveSnapshot(t, "sales", 100, true)

	// Simulate an in-flight run
	f.scheduler.setState("sales_forecasting", StateTraining)

	ran, err := f.scheduler.TryTrigger(context.Background(), "sales_forecasting")
	if err != nil {
		t.Fatalf("TryTrigger failed: %v", err)
	}
	if ran {
		t.Error("trigger during training must be a no-op")
	}

	// Back to idle, triggers work again
	f.scheduler.setState("sales_forecasting", StateIdle)
	ran, err = f.scheduler.TryTrigger(context.Background(), "sales_forecasting")
	if err != nil || !ran {
		t.Errorf("expected run after idle, ran=%v err=%v", ran, err)
	}
}

func TestScheduler_RejectedArtifactNotServed(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})
	f.saveSnapshot(t, "sales", 100, false) // noise: r2 stays low

	ran, err := f.scheduler.TryTrigger(context.Background(), "sales_forecasting")
	if err != nil || !ran {
		t.Fatalf("TryTrigger: ran=%v err=%v", ran, err)
	}
	if f.results["sales_forecasting"] != ResultRejected {
		t.Errorf("result = %s, want rejected", f.results["sales_forecasting"])
	}

	// The rejected artifact is in the registry but never active
	versions, err := f.registry.ListVersions(context.Background(), "sales_forecasting")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Status != string(types.StatusRejected) {
		t.Errorf("versions = %+v", versions)
	}

	_, err = f.registry.GetActive("sales_forecasting")
	if code := ferrors.GetCode(err); code != ferrors.CodeNoActiveModel {
		t.Errorf("expected NO_ACTIVE_MODEL, got %v", err)
	}
}

func TestScheduler_PromotionGateKeepsIncumbent(t *testing.T) {
	// A floor this low validates even a bad fit, so the tolerance
	// gate is what keeps the worse retrain out
	f := newFixture(t, []types.ModelConfig{salesModel(-1e9)})
	f.saveSnapshot(t, "sales", 100, true)

	ctx := context.Background()
	if _, err := f.scheduler.TryTrigger(ctx, "sales_forecasting"); err != nil {
		t.Fatalf("TryTrigger failed: %v", err)
	}
	if f.results["sales_forecasting"] != ResultPromoted {
		t.Fatalf("first run result = %s, want promoted", f.results["sales_forecasting"])
	}

	// Newer snapshot is noise; the retrain scores far below the incumbent
	f.saveSnapshot(t, "sales", 100, false)
	if _, err := f.scheduler.TryTrigger(ctx, "sales_forecasting"); err != nil {
		t.Fatalf("TryTrigger failed: %v", err)
	}
	if f.results["sales_forecasting"] != ResultRejected {
		t.Errorf("second run result = %s, want rejected by gate", f.results["sales_forecasting"])
	}

	active, err := f.registry.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active = v%d, want incumbent v1", active.Version)
	}
}

func TestScheduler_FailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})
	// No snapshots: training fails with insufficient data

	ran, err := f.scheduler.TryTrigger(context.Background(), "sales_forecasting")
	if err != nil || !ran {
		t.Fatalf("TryTrigger: ran=%v err=%v", ran, err)
	}
	if f.results["sales_forecasting"] != ResultFailed {
		t.Errorf("result = %s, want failed", f.results["sales_forecasting"])
	}

	state, _ := f.scheduler.State("sales_forecasting")
	if state != StateIdle {
		t.Errorf("state = %s, want idle after failure", state)
	}
}

func TestScheduler_UnknownModel(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})

	_, err := f.scheduler.TryTrigger(context.Background(), "nope")
	if err == nil {
		t.Error("expected error for unconfigured model")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, []types.ModelConfig{salesModel(0.60)})
	f.saveSnapshot(t, "sales", 100, true)

	if err := f.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.scheduler.Start(context.Background()); err == nil {
		t.Error("second Start must fail")
	}
	if err := f.scheduler.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The startup cycle trained and promoted
	if _, err := f.registry.GetActive("sales_forecasting"); err != nil {
		t.Errorf("expected active model after startup cycle: %v", err)
	}
}
