package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/foresight/foresight/internal/config"
)

// FileSource reads raw records from a CSV file. The first row is the
// header; numeric-looking cells are parsed as float64, everything else
// stays a string.
type FileSource struct {
	cfg config.SourceConfig
}

// NewFileSource creates a CSV file source.
func NewFileSource(cfg config.SourceConfig) *FileSource {
	return &FileSource{cfg: cfg}
}

func (s *FileSource) ID() string      { return s.cfg.ID }
func (s *FileSource) Dataset() string { return s.cfg.Dataset }

// Fetch reads and parses the whole file.
func (s *FileSource) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var records []map[string]interface{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		record := make(map[string]interface{}, len(header))
		for i, name := range header {
			if i >= len(row) {
				break
			}
			record[name] = parseCell(row[i])
		}
		records = append(records, record)
	}

	return records, nil
}

// parseCell converts a CSV cell into a typed value.
func parseCell(cell string) interface{} {
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(cell); err == nil {
		return v
	}
	return cell
}
