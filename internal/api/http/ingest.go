package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/foresight/foresight/pkg/types"
)

// Pipeline runs the extract-transform-store sequence for one source and
// returns the saved snapshot. An empty dataset uses the source's
// configured dataset.
type Pipeline interface {
	Run(ctx context.Context, sourceID, dataset string) (*types.FeatureSnapshot, error)
}

// IngestHandler handles POST /api/v1/ingest.
type IngestHandler struct {
	pipeline Pipeline
}

// NewIngestHandler creates an ingest trigger handler.
func NewIngestHandler(pipeline Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

// IngestRequest names the source to pull from. Dataset optionally
// overrides the source's configured destination dataset.
type IngestRequest struct {
	Source  string `json:"source"`
	Dataset string `json:"dataset,omitempty"`
}

// IngestResponse describes the snapshot produced by an ingest run.
type IngestResponse struct {
	SnapshotID  string `json:"snapshot_id"`
	Dataset     string `json:"dataset"`
	Rows        int64  `json:"rows"`
	DroppedRows int64  `json:"dropped_rows"`
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, r, http.StatusBadRequest, "", "source is required")
		return
	}

	snap, err := h.pipeline.Run(r.Context(), req.Source, req.Dataset)
	if err != nil {
		log.Printf("[http] ingest failed for source=%s: %v", req.Source, err)
		writeDomainError(w, r, err)
		return
	}

	log.Printf("[http] ingest complete: source=%s snapshot=%s rows=%d dropped=%d",
		req.Source, snap.ID, snap.RowCount(), snap.DroppedRows)
	writeJSON(w, http.StatusCreated, IngestResponse{
		SnapshotID:  snap.ID,
		Dataset:     snap.Dataset,
		Rows:        snap.RowCount(),
		DroppedRows: snap.DroppedRows,
	})
}
