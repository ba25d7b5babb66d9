package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foresight/foresight/internal/config"
)

// APISource pulls raw records from an HTTP endpoint returning a JSON
// array of objects.
type APISource struct {
	cfg    config.SourceConfig
	client *http.Client
}

// NewAPISource creates an HTTP API source.
func NewAPISource(cfg config.SourceConfig) *APISource {
	return &APISource{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *APISource) ID() string      { return s.cfg.ID }
func (s *APISource) Dataset() string { return s.cfg.Dataset }

// Fetch performs one GET against the configured URL.
func (s *APISource) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: status %d", s.cfg.URL, resp.StatusCode)
	}

	var records []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return records, nil
}
