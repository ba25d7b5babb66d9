// Package config provides unified configuration for all Foresight services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foresight/foresight/pkg/types"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeIngest Mode = "ingest"
	ModeServe  Mode = "serve"
	ModeTrain  Mode = "train"
)

// Config holds the unified configuration for all Foresight services.
type Config struct {
	// Mode specifies which services to run: all, ingest, serve, train
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Ingest pipeline configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Serving configuration
	Serving ServingConfig `json:"serving" yaml:"serving"`

	// Training configuration
	Training TrainingConfig `json:"training" yaml:"training"`

	// Features holds feature store configuration
	Features FeatureConfig `json:"features" yaml:"features"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Sources lists the registered ingestion sources
	Sources []SourceConfig `json:"sources" yaml:"sources"`

	// Models lists the managed model configurations
	Models []types.ModelConfig `json:"models" yaml:"models"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the API server address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// IngestConfig holds ingestion and transform configuration.
type IngestConfig struct {
	// MaxAttempts bounds retry attempts for transient source failures
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the first retry delay; doubles per attempt
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxDropRatio is the validation drop ratio above which a whole
	// batch fails instead of producing a degraded snapshot
	MaxDropRatio float64 `json:"max_drop_ratio" yaml:"max_drop_ratio"`
}

// ServingConfig holds prediction serving configuration.
type ServingConfig struct {
	// CacheTTL is the prediction cache entry lifetime (MODEL_CACHE_TTL)
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// CacheBackend selects the cache implementation: memory, redis
	CacheBackend string `json:"cache_backend" yaml:"cache_backend"`

	// RedisURL is the Redis connection URL (for the redis backend)
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// RequestTimeout bounds a single prediction request
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxHorizonDays bounds the forecast horizon (FORECAST_HORIZON_DAYS)
	MaxHorizonDays int `json:"max_horizon_days" yaml:"max_horizon_days"`

	// ConfidenceLevel is the default interval coverage (CONFIDENCE_LEVEL)
	ConfidenceLevel float64 `json:"confidence_level" yaml:"confidence_level"`
}

// TrainingConfig holds trainer and scheduler configuration.
type TrainingConfig struct {
	// RetrainInterval is the scheduler period (MODEL_RETRAIN_INTERVAL)
	RetrainInterval time.Duration `json:"retrain_interval" yaml:"retrain_interval"`

	// Budget is the wall-clock limit for a single training run
	Budget time.Duration `json:"budget" yaml:"budget"`

	// MinRows is the minimum snapshot size accepted for training
	MinRows int64 `json:"min_rows" yaml:"min_rows"`

	// EvalFraction is the held-out evaluation share of the training set
	EvalFraction float64 `json:"eval_fraction" yaml:"eval_fraction"`
}

// FeatureConfig holds feature store configuration.
type FeatureConfig struct {
	// RetainSnapshots is the number of snapshots kept per dataset
	RetainSnapshots int `json:"retain_snapshots" yaml:"retain_snapshots"`

	// RetentionTTL is the age after which superseded snapshots are evicted
	RetentionTTL time.Duration `json:"retention_ttl" yaml:"retention_ttl"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// SourceConfig describes one registered ingestion source.
type SourceConfig struct {
	// ID is the source identifier used by extract calls
	ID string `json:"id" yaml:"id"`

	// Kind is the source kind: file, api, table
	Kind string `json:"kind" yaml:"kind"`

	// Dataset is the feature-store dataset this source feeds
	Dataset string `json:"dataset" yaml:"dataset"`

	// Path is the CSV file path (file kind)
	Path string `json:"path,omitempty" yaml:"path"`

	// URL is the endpoint returning a JSON array of records (api kind)
	URL string `json:"url,omitempty" yaml:"url"`

	// DSN is the Postgres connection string (table kind)
	DSN string `json:"dsn,omitempty" yaml:"dsn"`

	// Query is the SQL query producing raw records (table kind)
	Query string `json:"query,omitempty" yaml:"query"`

	// Fields declares the source's contract: every listed field must be
	// present in each returned record
	Fields []string `json:"fields,omitempty" yaml:"fields"`
}

// DefaultConfig returns the default configuration for local development.
// Defaults mirror the platform's documented settings: 1h cache TTL,
// 24h retrain interval, 90-day horizon, 0.95 confidence.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/foresight",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Ingest: IngestConfig{
			MaxAttempts:    4,
			InitialBackoff: 200 * time.Millisecond,
			MaxDropRatio:   0.10,
		},
		Serving: ServingConfig{
			CacheTTL:        time.Hour,
			CacheBackend:    "memory",
			RedisURL:        "redis://localhost:6379/0",
			RequestTimeout:  5 * time.Second,
			MaxHorizonDays:  90,
			ConfidenceLevel: 0.95,
		},
		Training: TrainingConfig{
			RetrainInterval: 24 * time.Hour,
			Budget:          10 * time.Minute,
			MinRows:         100,
			EvalFraction:    0.2,
		},
		Features: FeatureConfig{
			RetainSnapshots: 10,
			RetentionTTL:    7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/foresight"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Training.EvalFraction <= 0 || c.Training.EvalFraction >= 1 {
		c.Training.EvalFraction = 0.2
	}

	for i := range c.Models {
		if c.Models[i].SelectSnapshots <= 0 {
			c.Models[i].SelectSnapshots = 1
		}
		if c.Models[i].Metric == "" {
			c.Models[i].Metric = "r2"
		}
	}
}

// CatalogPath returns the path to the catalog database holding feature
// snapshot metadata and the model registry.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeServe, ModeTrain:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, serve, or train)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Serving.CacheBackend != "memory" && c.Serving.CacheBackend != "redis" {
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.Serving.CacheBackend)
	}

	if c.Serving.ConfidenceLevel <= 0 || c.Serving.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence_level must be between 0 and 1, got %g", c.Serving.ConfidenceLevel)
	}

	if c.Ingest.MaxDropRatio < 0 || c.Ingest.MaxDropRatio > 1 {
		return fmt.Errorf("max_drop_ratio must be between 0 and 1, got %g", c.Ingest.MaxDropRatio)
	}

	seen := make(map[string]bool)
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("source id cannot be empty")
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id: %s", src.ID)
		}
		seen[src.ID] = true
		switch src.Kind {
		case "file", "api", "table":
		default:
			return fmt.Errorf("source %s: invalid kind %q (must be file, api, or table)", src.ID, src.Kind)
		}
	}

	names := make(map[string]bool)
	for _, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("model name cannot be empty")
		}
		if names[m.Model] {
			return fmt.Errorf("duplicate model name: %s", m.Model)
		}
		names[m.Model] = true
		if m.Dataset == "" {
			return fmt.Errorf("model %s: dataset is required", m.Model)
		}
		if m.Target == "" {
			return fmt.Errorf("model %s: target is required", m.Model)
		}
	}

	return nil
}

// ShouldRunIngest returns true if the ingest service should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunServe returns true if the serving engine should run.
func (c *Config) ShouldRunServe() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
}

// ShouldRunTrain returns true if the retrain scheduler should run.
func (c *Config) ShouldRunTrain() bool {
	return c.Mode == ModeAll || c.Mode == ModeTrain
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if present.
// A missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadFromEnv loads configuration from environment variables.
// The model lifecycle settings use their documented names
// (MODEL_CACHE_TTL, MODEL_RETRAIN_INTERVAL, FORECAST_HORIZON_DAYS,
// CONFIDENCE_LEVEL); everything else uses the FORESIGHT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FORESIGHT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("FORESIGHT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FORESIGHT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Documented model lifecycle settings (seconds / days / ratio).
	if v := os.Getenv("MODEL_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Serving.CacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("MODEL_RETRAIN_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Training.RetrainInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FORECAST_HORIZON_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Serving.MaxHorizonDays = days
		}
	}
	if v := os.Getenv("CONFIDENCE_LEVEL"); v != "" {
		if level, err := strconv.ParseFloat(v, 64); err == nil && level > 0 && level < 1 {
			cfg.Serving.ConfidenceLevel = level
		}
	}

	if v := os.Getenv("FORESIGHT_CACHE_BACKEND"); v != "" {
		cfg.Serving.CacheBackend = v
	}
	if v := os.Getenv("FORESIGHT_REDIS_URL"); v != "" {
		cfg.Serving.RedisURL = v
	}
	if v := os.Getenv("FORESIGHT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Serving.RequestTimeout = d
		}
	}
	if v := os.Getenv("FORESIGHT_TRAINING_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Training.Budget = d
		}
	}
	if v := os.Getenv("FORESIGHT_TRAINING_MIN_ROWS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Training.MinRows = n
		}
	}
	if v := os.Getenv("FORESIGHT_MAX_DROP_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ingest.MaxDropRatio = r
		}
	}

	// Storage configuration
	if v := os.Getenv("FORESIGHT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("FORESIGHT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FORESIGHT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FORESIGHT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FORESIGHT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ModelByName returns the configuration for the named model.
func (c *Config) ModelByName(name string) (types.ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Model == name {
			return m, true
		}
	}
	return types.ModelConfig{}, false
}

// SourceByID returns the configuration for the named source.
func (c *Config) SourceByID(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}
