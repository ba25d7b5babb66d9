// Package ingest pulls raw records from registered external sources.
package ingest

import (
	"context"
	"fmt"

	"github.com/foresight/foresight/internal/config"
)

// Source is one registered external data source. Fetch returns the
// source's current batch of raw records; transient connectivity
// failures are reported as retryable errors by the extractor, so
// implementations return plain errors and let the extractor classify.
type Source interface {
	// ID returns the source identifier.
	ID() string

	// Dataset returns the feature-store dataset this source feeds.
	Dataset() string

	// Fetch pulls the current batch of records from the source.
	Fetch(ctx context.Context) ([]map[string]interface{}, error)
}

// NewSource builds a Source from its configuration.
func NewSource(cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "file":
		return NewFileSource(cfg), nil
	case "api":
		return NewAPISource(cfg), nil
	case "table":
		return NewTableSource(cfg), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %q", cfg.Kind)
	}
}

// checkcontract verifies that every declared field is present in the
// record. Returns the first missing field name, or "" when the record
// satisfies the contract.
func checkContract(fields []string, record map[string]interface{}) string {
	for _, f := range fields {
		if _, ok := record[f]; !ok {
			return f
		}
	}
	return ""
}
