package app

import (
	"context"
	"log"

	"github.com/foresight/foresight/internal/config"
	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/feature"
	"github.com/foresight/foresight/internal/ingest"
	"github.com/foresight/foresight/internal/observability"
	"github.com/foresight/foresight/internal/transform"
	"github.com/foresight/foresight/pkg/types"
)

// ingestPipeline runs the extract-transform-store sequence for one source.
type ingestPipeline struct {
	extractor *ingest.Extractor
	cfg       *config.Config
	store     *feature.Store
}

func newIngestPipeline(extractor *ingest.Extractor, cfg *config.Config, store *feature.Store) *ingestPipeline {
	return &ingestPipeline{
		extractor: extractor,
		cfg:       cfg,
		store:     store,
	}
}

// Run pulls the source, validates and types the batch, and saves the
// resulting snapshot. A batch that fails validation produces no snapshot.
// An empty dataset falls back to the source's configured dataset.
func (p *ingestPipeline) Run(ctx context.Context, sourceID, dataset string) (*types.FeatureSnapshot, error) {
	src, ok := p.cfg.SourceByID(sourceID)
	if !ok {
		return nil, ferrors.NewIngestError(ferrors.CodeSourceUnavailable,
			"unknown source: "+sourceID, nil)
	}
	if dataset == "" {
		dataset = src.Dataset
	}

	records, err := p.extractor.Extract(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	rules := transform.DefaultRules(src.Fields, p.cfg.Ingest.MaxDropRatio)
	snap, err := transform.Apply(dataset, records, rules)
	if err != nil {
		return nil, err
	}

	saved, err := p.store.Save(ctx, snap)
	if err != nil {
		return nil, err
	}

	observability.SnapshotsSaved.WithLabelValues(dataset).Inc()
	observability.SnapshotRows.WithLabelValues(dataset).Observe(float64(saved.RowCount()))
	log.Printf("[pipeline] source=%s dataset=%s snapshot=%s rows=%d dropped=%d",
		sourceID, dataset, saved.ID, saved.RowCount(), saved.DroppedRows)

	return saved, nil
}
