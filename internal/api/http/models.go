package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/foresight/foresight/internal/registry"
)

// ModelCatalog exposes read access to the model registry.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]*registry.ModelSummary, error)
	ListVersions(ctx context.Context, modelName string) ([]*registry.VersionRecord, error)
}

// Retrainer starts asynchronous training runs.
type Retrainer interface {
	TriggerAsync(ctx context.Context, modelName string) (bool, error)
}

// ModelsHandler handles GET /api/v1/models and
// GET /api/v1/models/{name}/versions.
type ModelsHandler struct {
	catalog ModelCatalog
}

// NewModelsHandler creates a model catalog handler.
func NewModelsHandler(catalog ModelCatalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// ModelsResponse is the body of a model listing.
type ModelsResponse struct {
	Models []*registry.ModelSummary `json:"models"`
}

// VersionsResponse is the body of a version listing.
type VersionsResponse struct {
	Model    string                    `json:"model"`
	Versions []*registry.VersionRecord `json:"versions"`
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/models"), "/")
	if rest == "" {
		h.listModels(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[1] == "versions" {
		h.listVersions(w, r, parts[0])
		return
	}

	writeError(w, r, http.StatusNotFound, "", "not found")
}

func (h *ModelsHandler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.catalog.ListModels(r.Context())
	if err != nil {
		log.Printf("[http] model listing failed: %v", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: models})
}

func (h *ModelsHandler) listVersions(w http.ResponseWriter, r *http.Request, model string) {
	versions, err := h.catalog.ListVersions(r.Context(), model)
	if err != nil {
		log.Printf("[http] version listing failed for model=%s: %v", model, err)
		writeDomainError(w, r, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, r, http.StatusNotFound, "", "unknown model: "+model)
		return
	}
	writeJSON(w, http.StatusOK, VersionsResponse{Model: model, Versions: versions})
}

// RetrainHandler handles POST /api/v1/models/retrain.
type RetrainHandler struct {
	scheduler Retrainer
}

// NewRetrainHandler creates a retrain trigger handler.
func NewRetrainHandler(scheduler Retrainer) *RetrainHandler {
	return &RetrainHandler{scheduler: scheduler}
}

// RetrainRequest names the model to retrain.
type RetrainRequest struct {
	Model string `json:"model"`
}

// RetrainResponse reports whether a training run was started.
type RetrainResponse struct {
	Model   string `json:"model"`
	Started bool   `json:"started"`
	Message string `json:"message"`
}

func (h *RetrainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req RetrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, r, http.StatusBadRequest, "", "model is required")
		return
	}

	started, err := h.scheduler.TriggerAsync(r.Context(), req.Model)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "", err.Error())
		return
	}
	if !started {
		writeJSON(w, http.StatusConflict, RetrainResponse{
			Model:   req.Model,
			Started: false,
			Message: "training already in progress",
		})
		return
	}

	log.Printf("[http] retrain triggered for model=%s", req.Model)
	writeJSON(w, http.StatusAccepted, RetrainResponse{
		Model:   req.Model,
		Started: true,
		Message: "training started",
	})
}
