package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/pkg/types"
)

// Predictor serves predictions from the active model.
type Predictor interface {
	Predict(ctx context.Context, req types.PredictionRequest) (*types.PredictionResult, error)
}

// PredictHandler handles POST /api/v1/predictions.
type PredictHandler struct {
	engine Predictor
}

// NewPredictHandler creates a prediction handler backed by the given engine.
func NewPredictHandler(engine Predictor) *PredictHandler {
	return &PredictHandler{engine: engine}
}

func (h *PredictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req types.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ferrors.CodeInvalidFeatureShape,
			"invalid request body: "+err.Error())
		return
	}

	result, err := h.engine.Predict(r.Context(), req)
	if err != nil {
		if ferrors.GetCategory(err) == "" {
			log.Printf("[http] prediction failed for model=%s: %v", req.Model, err)
		}
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
