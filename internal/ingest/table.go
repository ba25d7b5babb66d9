package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/foresight/foresight/internal/config"
)

// TableSource pulls raw records from a Postgres table via a configured
// query. A fresh connection is opened per fetch; ingestion runs are
// infrequent enough that pooling buys nothing here.
type TableSource struct {
	cfg config.SourceConfig
}

// NewTableSource creates a Postgres table source.
func NewTableSource(cfg config.SourceConfig) *TableSource {
	return &TableSource{cfg: cfg}
}

func (s *TableSource) ID() string      { return s.cfg.ID }
func (s *TableSource) Dataset() string { return s.cfg.Dataset }

// Fetch runs the configured query and converts each row into a record
// keyed by column name.
func (s *TableSource) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, s.cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []map[string]interface{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		record := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			record[fd.Name] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}
