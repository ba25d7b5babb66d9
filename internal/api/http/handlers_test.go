package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/registry"
	"github.com/foresight/foresight/pkg/types"
)

type fakePredictor struct {
	result *types.PredictionResult
	err    error
}

func (f *fakePredictor) Predict(ctx context.Context, req types.PredictionRequest) (*types.PredictionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestPredictHandler(t *testing.T) {
	handler := NewPredictHandler(&fakePredictor{
		result: &types.PredictionResult{
			Prediction:   42.5,
			ModelVersion: 3,
			ConfidenceInterval: types.ConfidenceInterval{
				Lower: 40, Upper: 45, Level: 0.95,
			},
		},
	})

	body := `{"model":"sales_forecasting","data":{"x":1.0}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result types.PredictionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Prediction != 42.5 {
		t.Errorf("expected prediction 42.5, got %g", result.Prediction)
	}
	if result.ModelVersion != 3 {
		t.Errorf("expected version 3, got %d", result.ModelVersion)
	}
}

func TestPredictHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no active model",
			err:        ferrors.NewRegistryError(ferrors.CodeNoActiveModel, "no active model: churn"),
			wantStatus: http.StatusNotFound,
			wantCode:   ferrors.CodeNoActiveModel,
		},
		{
			name:       "invalid shape",
			err:        ferrors.NewServingError(ferrors.CodeInvalidFeatureShape, "missing feature: x"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ferrors.CodeInvalidFeatureShape,
		},
		{
			name:       "timeout",
			err:        ferrors.NewServingError(ferrors.CodePredictionTimeout, "prediction timed out"),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   ferrors.CodePredictionTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewPredictHandler(&fakePredictor{err: tt.err})

			body := `{"model":"m","data":{}}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", strings.NewReader(body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestPredictHandlerBadRequest(t *testing.T) {
	handler := NewPredictHandler(&fakePredictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/predictions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/predictions", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

type fakeCatalog struct {
	models   []*registry.ModelSummary
	versions map[string][]*registry.VersionRecord
}

func (f *fakeCatalog) ListModels(ctx context.Context) ([]*registry.ModelSummary, error) {
	return f.models, nil
}

func (f *fakeCatalog) ListVersions(ctx context.Context, name string) ([]*registry.VersionRecord, error) {
	return f.versions[name], nil
}

func TestModelsHandlerList(t *testing.T) {
	handler := NewModelsHandler(&fakeCatalog{
		models: []*registry.ModelSummary{
			{Name: "sales_forecasting", ActiveVersion: 2, Metric: "r2", Score: 0.91, Versions: 2},
			{Name: "churn", Versions: 1},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(resp.Models))
	}
	if resp.Models[0].ActiveVersion != 2 {
		t.Errorf("expected active version 2, got %d", resp.Models[0].ActiveVersion)
	}
}

func TestModelsHandlerVersions(t *testing.T) {
	handler := NewModelsHandler(&fakeCatalog{
		versions: map[string][]*registry.VersionRecord{
			"sales_forecasting": {
				{ModelName: "sales_forecasting", Version: 2, Status: "validated", Active: true},
				{ModelName: "sales_forecasting", Version: 1, Status: "validated"},
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/sales_forecasting/versions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp VersionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(resp.Versions))
	}
	if !resp.Versions[0].Active || resp.Versions[0].Version != 2 {
		t.Errorf("expected newest version active, got %+v", resp.Versions[0])
	}

	// Unknown model
	req = httptest.NewRequest(http.MethodGet, "/api/v1/models/nope/versions", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown model, got %d", w.Code)
	}
}

type fakeRetrainer struct {
	started bool
	err     error
	calls   int
}

func (f *fakeRetrainer) TriggerAsync(ctx context.Context, model string) (bool, error) {
	f.calls++
	return f.started, f.err
}

func TestRetrainHandler(t *testing.T) {
	scheduler := &fakeRetrainer{started: true}
	handler := NewRetrainHandler(scheduler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/models/retrain",
		strings.NewReader(`{"model":"sales_forecasting"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if scheduler.calls != 1 {
		t.Errorf("expected 1 trigger call, got %d", scheduler.calls)
	}
	var resp RetrainResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Started {
		t.Error("expected started=true")
	}
}

func TestRetrainHandlerAlreadyRunning(t *testing.T) {
	handler := NewRetrainHandler(&fakeRetrainer{started: false})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/models/retrain",
		strings.NewReader(`{"model":"sales_forecasting"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while training in progress, got %d", w.Code)
	}
}

func TestRetrainHandlerValidation(t *testing.T) {
	handler := NewRetrainHandler(&fakeRetrainer{started: true})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/models/retrain", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing model, got %d", w.Code)
	}
}

type fakePipeline struct {
	snap *types.FeatureSnapshot
	err  error
}

func (f *fakePipeline) Run(ctx context.Context, sourceID, dataset string) (*types.FeatureSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func TestIngestHandler(t *testing.T) {
	handler := NewIngestHandler(&fakePipeline{
		snap: &types.FeatureSnapshot{
			ID:      "snap-1",
			Dataset: "sales",
			Rows: []types.FeatureRow{
				{Numeric: map[string]float64{"x": 1}, Valid: true},
				{Numeric: map[string]float64{"x": 2}, Valid: true},
			},
			DroppedRows: 1,
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest",
		strings.NewReader(`{"source":"sales_csv"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SnapshotID != "snap-1" || resp.Rows != 2 || resp.DroppedRows != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestIngestHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantRetryable bool
	}{
		{
			name:          "source unavailable",
			err:           ferrors.NewIngestError(ferrors.CodeSourceUnavailable, "source down", nil),
			wantStatus:    http.StatusBadGateway,
			wantRetryable: true,
		},
		{
			name:       "schema mismatch",
			err:        ferrors.NewIngestError(ferrors.CodeSourceSchemaMismatch, "missing field", nil),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "data quality",
			err:        ferrors.NewTransformError(ferrors.CodeDataQualityExceeded, "drop ratio too high"),
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewIngestHandler(&fakePipeline{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest",
				strings.NewReader(`{"source":"s"}`))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if resp.Retryable != tt.wantRetryable {
				t.Errorf("expected retryable=%v, got %v", tt.wantRetryable, resp.Retryable)
			}
		})
	}
}

func TestMiddlewareChain(t *testing.T) {
	handler := DefaultMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID response header")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("expected caller request ID echoed, got %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", w.Code)
	}
}

func TestContentTypeMiddleware(t *testing.T) {
	handler := ContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415 for text/plain, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for application/json, got %d", w.Code)
	}
}
