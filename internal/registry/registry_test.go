package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, string, storage.ObjectStorage) {
	t.Helper()
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	reg, err := NewRegistry(dbPath, objects)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, dbPath, objects
}

func testArtifact(name string, status types.ArtifactStatus, r2 float64) *types.ModelArtifact {
	return &types.ModelArtifact{
		ModelName: name,
		Status:    status,
		Config: types.ModelConfig{
			Model:   name,
			Dataset: "sales",
			Metric:  "r2",
		},
		Metrics:         types.EvalMetrics{R2: r2},
		StateKind:       "linear_regression",
		State:           json.RawMessage(`{"intercept":5,"coefficients":[2]}`),
		FeatureNames:    []string{"x"},
		Residuals:       []float64{0.1, 0.2, 0.3},
		ConfidenceLevel: 0.95,
		TrainingRows:    100,
		TrainedAt:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegistry_RegisterAssignsMonotonicVersions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		registered, err := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.9))
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if registered.Version != want {
			t.Errorf("version = %d, want %d", registered.Version, want)
		}
	}

	// Versions are per model
	other, err := reg.Register(ctx, testArtifact("churn", types.StatusValidated, 0.8))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if other.Version != 1 {
		t.Errorf("churn version = %d, want 1", other.Version)
	}
}

func TestRegistry_RegisterDoesNotActivate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.Register(context.Background(), testArtifact("sales_forecasting", types.StatusValidated, 0.9)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := reg.GetActive("sales_forecasting")
	if code := ferrors.GetCode(err); code != ferrors.CodeNoActiveModel {
		t.Errorf("expected NO_ACTIVE_MODEL before promotion, got %v", err)
	}
}

func TestRegistry_PromoteAndGetActive(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	registered, err := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.9))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Promote(ctx, "sales_forecasting", registered.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	active, err := reg.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != registered.Version {
		t.Errorf("active version = %d, want %d", active.Version, registered.Version)
	}
	if active.Metrics.R2 != 0.9 {
		t.Errorf("active R2 = %g, want 0.9", active.Metrics.R2)
	}
}

func TestRegistry_PromoteRejectedFails(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	registered, err := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusRejected, 0.2))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err = reg.Promote(ctx, "sales_forecasting", registered.Version)
	if code := ferrors.GetCode(err); code != ferrors.CodeArtifactNotValidated {
		t.Errorf("expected ARTIFACT_NOT_VALIDATED, got %v", err)
	}

	if _, err := reg.GetActive("sales_forecasting"); err == nil {
		t.Error("rejected artifact must never become active")
	}
}

func TestRegistry_PromoteUnknownVersion(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	err := reg.Promote(context.Background(), "sales_forecasting", 99)
	if err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestRegistry_WarmStart(t *testing.T) {
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	reg, err := NewRegistry(dbPath, objects)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	ctx := context.Background()
	registered, err := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.9))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Promote(ctx, "sales_forecasting", registered.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	reg.Close()

	// A fresh registry over the same catalog serves the promoted model
	reopened, err := NewRegistry(dbPath, objects)
	if err != nil {
		t.Fatalf("failed to reopen registry: %v", err)
	}
	defer reopened.Close()

	active, err := reopened.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("GetActive after restart failed: %v", err)
	}
	if active.Version != registered.Version {
		t.Errorf("active version = %d, want %d", active.Version, registered.Version)
	}
}

func TestRegistry_ListVersionsAndModels(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	v1, _ := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.7))
	v2, _ := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.9))
	if err := reg.Promote(ctx, "sales_forecasting", v2.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	versions, err := reg.ListVersions(ctx, "sales_forecasting")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != v2.Version || !versions[0].Active {
		t.Errorf("expected v%d active first, got v%d active=%v",
			v2.Version, versions[0].Version, versions[0].Active)
	}
	if versions[1].Version != v1.Version || versions[1].Active {
		t.Errorf("expected v%d inactive second", v1.Version)
	}

	models, err := reg.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	if models[0].ActiveVersion != v2.Version || models[0].Score != 0.9 {
		t.Errorf("summary = %+v", models[0])
	}
}

func TestRegistry_ConcurrentReadsDuringPromotion(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, _ := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.7))
	if err := reg.Promote(ctx, "sales_forecasting", first.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			active, err := reg.GetActive("sales_forecasting")
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			// Readers always observe a complete artifact
			if active.Version != 1 && active.Version != 2 {
				select {
				case errs <- err:
				default:
				}
				return
			}
		}
	}()

	second, err := reg.Register(ctx, testArtifact("sales_forecasting", types.StatusValidated, 0.9))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Promote(ctx, "sales_forecasting", second.Version); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	close(stop)
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatalf("reader failed during promotion: %v", err)
	default:
	}

	active, err := reg.GetActive("sales_forecasting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != second.Version {
		t.Errorf("active = v%d, want v%d", active.Version, second.Version)
	}
}
