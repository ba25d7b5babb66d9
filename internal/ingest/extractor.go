package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/pkg/types"
)

// Extractor pulls batches of raw records from registered sources,
// retrying transient failures with bounded exponential backoff. Schema
// contract violations fail fast: a source that answers with the wrong
// shape will keep answering with the wrong shape.
type Extractor struct {
	sources        map[string]Source
	contracts      map[string][]string
	maxAttempts    int
	initialBackoff time.Duration

	nowFn func() time.Time
}

// NewExtractor creates an extractor over the given sources.
// contracts maps source ID to its declared required fields.
func NewExtractor(sources []Source, contracts map[string][]string, maxAttempts int, initialBackoff time.Duration) *Extractor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialBackoff <= 0 {
		initialBackoff = 100 * time.Millisecond
	}

	byID := make(map[string]Source, len(sources))
	for _, s := range sources {
		byID[s.ID()] = s
	}

	return &Extractor{
		sources:        byID,
		contracts:      contracts,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		nowFn:          time.Now,
	}
}

// Source returns the registered source with the given ID.
func (e *Extractor) Source(id string) (Source, bool) {
	s, ok := e.sources[id]
	return s, ok
}

// Extract pulls the current batch from the named source. Every record
// in the batch is stamped with the source ID and a single ingestion
// timestamp, and checked against the source's field contract.
func (e *Extractor) Extract(ctx context.Context, sourceID string) ([]types.RawRecord, error) {
	src, ok := e.sources[sourceID]
	if !ok {
		return nil, ferrors.NewIngestError(ferrors.CodeSourceUnavailable,
			fmt.Sprintf("source %q is not registered", sourceID), nil)
	}

	raw, err := e.fetchWithRetry(ctx, src)
	if err != nil {
		return nil, err
	}

	ingestedAt := e.nowFn().UTC()
	contract := e.contracts[sourceID]

	records := make([]types.RawRecord, 0, len(raw))
	for i, fields := range raw {
		if missing := checkContract(contract, fields); missing != "" {
			return nil, ferrors.NewIngestError(ferrors.CodeSourceSchemaMismatch,
				fmt.Sprintf("source %q record %d is missing field %q", sourceID, i, missing), nil)
		}
		records = append(records, types.RawRecord{
			Source:     sourceID,
			IngestedAt: ingestedAt,
			Fields:     fields,
		})
	}

	return records, nil
}

// fetchWithRetry calls Fetch up to maxAttempts times, doubling the
// backoff between attempts.
func (e *Extractor) fetchWithRetry(ctx context.Context, src Source) ([]map[string]interface{}, error) {
	var lastErr error
	backoff := e.initialBackoff

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := src.Fetch(ctx)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if attempt < e.maxAttempts {
			log.Printf("ingest: source %s fetch attempt %d/%d failed: %v (retrying in %v)",
				src.ID(), attempt, e.maxAttempts, err, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, ferrors.NewIngestError(ferrors.CodeSourceUnavailable,
		fmt.Sprintf("source %q unavailable after %d attempts", src.ID(), e.maxAttempts), lastErr)
}
