// Package registry stores versioned model artifacts and tracks the
// active version per model. Artifact payloads are snappy-compressed
// JSON in object storage; version metadata lives in the SQLite
// catalog. The active artifact per model is additionally held in an
// atomic pointer so serving reads never touch the database or block
// on a promotion in progress.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/pkg/types"
)

// VersionRecord is the catalog view of one registered artifact.
type VersionRecord struct {
	ModelName    string    `json:"model_name"`
	Version      int64     `json:"version"`
	Status       string    `json:"status"`
	Metric       string    `json:"metric"`
	Score        float64   `json:"score"`
	TrainedAt    time.Time `json:"trained_at"`
	RegisteredAt time.Time `json:"registered_at"`
	Active       bool      `json:"active"`
}

// ModelSummary is the listing view of one model.
type ModelSummary struct {
	Name          string  `json:"name"`
	ActiveVersion int64   `json:"active_version,omitempty"`
	Metric        string  `json:"metric,omitempty"`
	Score         float64 `json:"score,omitempty"`
	Versions      int64   `json:"versions"`
}

// Registry manages the model version catalog.
type Registry struct {
	db      *sql.DB // Write connection (single writer)
	readDB  *sql.DB // Read connection pool
	objects storage.ObjectStorage
	mu      sync.Mutex // Serializes writes and version assignment

	// active holds the promoted artifact per model. Pointers are
	// created once per model name and only ever swapped, so serving
	// reads are a map lookup plus an atomic load.
	activeMu sync.RWMutex
	active   map[string]*atomic.Pointer[types.ModelArtifact]

	nowFn func() time.Time
}

// NewRegistry opens the registry catalog at dbPath. Previously
// promoted artifacts are loaded back into memory so serving resumes
// where it left off after a restart.
func NewRegistry(dbPath string, objects storage.ObjectStorage) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	r := &Registry{
		db:      db,
		readDB:  readDB,
		objects: objects,
		active:  make(map[string]*atomic.Pointer[types.ModelArtifact]),
		nowFn:   time.Now,
	}

	if err := r.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("registry: failed to initialize schema: %w", err)
	}

	if err := r.warmStart(context.Background()); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}

	return r, nil
}

func (r *Registry) initSchema() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS model_versions (
			model_name    TEXT NOT NULL,
			version       INTEGER NOT NULL,
			status        TEXT NOT NULL,
			object_path   TEXT NOT NULL,
			metric        TEXT NOT NULL,
			score         REAL NOT NULL,
			trained_at    INTEGER NOT NULL,
			registered_at INTEGER NOT NULL,
			PRIMARY KEY (model_name, version)
		);
		CREATE TABLE IF NOT EXISTS active_models (
			model_name TEXT PRIMARY KEY,
			version    INTEGER NOT NULL
		);
	`)
	return err
}

// warmStart reloads previously promoted artifacts into memory.
func (r *Registry) warmStart(ctx context.Context) error {
	rows, err := r.readDB.QueryContext(ctx, `SELECT model_name, version FROM active_models`)
	if err != nil {
		return fmt.Errorf("registry: failed to load active models: %w", err)
	}
	defer rows.Close()

	type activeRow struct {
		name    string
		version int64
	}
	var actives []activeRow
	for rows.Next() {
		var a activeRow
		if err := rows.Scan(&a.name, &a.version); err != nil {
			return err
		}
		actives = append(actives, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range actives {
		artifact, err := r.GetArtifact(ctx, a.name, a.version)
		if err != nil {
			// The catalog outlived the blob; serving for this model
			// stays down until the next promotion
			log.Printf("registry: failed to reload active %s v%d: %v", a.name, a.version, err)
			continue
		}
		r.pointerFor(a.name).Store(artifact)
	}
	return nil
}

// Register persists a trained artifact and assigns it the next version
// for its model. The input is not mutated; registration never changes
// which version is active.
func (r *Registry) Register(ctx context.Context, artifact *types.ModelArtifact) (*types.ModelArtifact, error) {
	if artifact.ModelName == "" {
		return nil, ferrors.NewRegistryError(ferrors.CodeArtifactNotValidated,
			"artifact has no model name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE model_name = ?`,
		artifact.ModelName).Scan(&next); err != nil {
		return nil, fmt.Errorf("registry: failed to assign version: %w", err)
	}

	registered := *artifact
	registered.Version = next

	payload, err := json.Marshal(&registered)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to serialize artifact: %w", err)
	}
	objectPath := artifactObjectPath(registered.ModelName, next)
	if err := r.objects.Put(ctx, objectPath, snappy.Encode(nil, payload)); err != nil {
		return nil, fmt.Errorf("registry: failed to store artifact: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_versions (model_name, version, status, object_path, metric, score, trained_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		registered.ModelName, next, string(registered.Status), objectPath,
		registered.Config.Metric, registered.Metrics.Metric(registered.Config.Metric),
		registered.TrainedAt.UnixNano(), r.nowFn().UTC().UnixNano())
	if err != nil {
		_ = r.objects.Delete(ctx, objectPath)
		return nil, fmt.Errorf("registry: failed to register artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		_ = r.objects.Delete(ctx, objectPath)
		return nil, fmt.Errorf("registry: failed to commit registration: %w", err)
	}

	log.Printf("registry: registered %s v%d (%s)", registered.ModelName, next, registered.Status)
	return &registered, nil
}

// Promote makes the given version the active one for its model. Only
// validated artifacts can be promoted. The database is updated first;
// the in-memory pointer swap is the single atomic step readers observe,
// so a prediction sees either the old version or the new one, never a
// mix.
func (r *Registry) Promote(ctx context.Context, modelName string, version int64) error {
	artifact, err := r.GetArtifact(ctx, modelName, version)
	if err != nil {
		return err
	}
	if artifact.Status != types.StatusValidated {
		return ferrors.NewRegistryError(ferrors.CodeArtifactNotValidated,
			fmt.Sprintf("model %s v%d has status %q", modelName, version, artifact.Status))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO active_models (model_name, version) VALUES (?, ?)
		ON CONFLICT(model_name) DO UPDATE SET version = excluded.version`,
		modelName, version)
	if err != nil {
		return fmt.Errorf("registry: failed to promote %s v%d: %w", modelName, version, err)
	}

	r.pointerFor(modelName).Store(artifact)
	log.Printf("registry: promoted %s v%d", modelName, version)
	return nil
}

// GetActive returns the currently active artifact for the model. This
// is a lock-free read on the serving path.
func (r *Registry) GetActive(modelName string) (*types.ModelArtifact, error) {
	r.activeMu.RLock()
	ptr, ok := r.active[modelName]
	r.activeMu.RUnlock()

	if ok {
		if artifact := ptr.Load(); artifact != nil {
			return artifact, nil
		}
	}
	return nil, ferrors.NewRegistryError(ferrors.CodeNoActiveModel,
		fmt.Sprintf("model %q has no active version", modelName))
}

// GetArtifact loads a registered artifact with its full payload.
func (r *Registry) GetArtifact(ctx context.Context, modelName string, version int64) (*types.ModelArtifact, error) {
	var objectPath string
	err := r.readDB.QueryRowContext(ctx,
		`SELECT object_path FROM model_versions WHERE model_name = ? AND version = ?`,
		modelName, version).Scan(&objectPath)
	if err == sql.ErrNoRows {
		return nil, ferrors.NewRegistryError(ferrors.CodeNoActiveModel,
			fmt.Sprintf("model %s has no version %d", modelName, version))
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to look up %s v%d: %w", modelName, version, err)
	}

	compressed, err := r.objects.Get(ctx, objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ferrors.NewRegistryError(ferrors.CodeNoActiveModel,
				fmt.Sprintf("model %s v%d payload is missing", modelName, version))
		}
		return nil, fmt.Errorf("registry: failed to fetch artifact: %w", err)
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to decompress artifact %s v%d: %w", modelName, version, err)
	}

	var artifact types.ModelArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, fmt.Errorf("registry: failed to decode artifact %s v%d: %w", modelName, version, err)
	}
	return &artifact, nil
}

// ListVersions returns the version history for a model, newest first.
func (r *Registry) ListVersions(ctx context.Context, modelName string) ([]*VersionRecord, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT v.model_name, v.version, v.status, v.metric, v.score, v.trained_at, v.registered_at,
			EXISTS (SELECT 1 FROM active_models a WHERE a.model_name = v.model_name AND a.version = v.version)
		FROM model_versions v
		WHERE v.model_name = ?
		ORDER BY v.version DESC`, modelName)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list versions: %w", err)
	}
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		var rec VersionRecord
		var trainedAt, registeredAt int64
		if err := rows.Scan(&rec.ModelName, &rec.Version, &rec.Status, &rec.Metric,
			&rec.Score, &trainedAt, &registeredAt, &rec.Active); err != nil {
			return nil, err
		}
		rec.TrainedAt = time.Unix(0, trainedAt).UTC()
		rec.RegisteredAt = time.Unix(0, registeredAt).UTC()
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// ListModels returns a summary per known model.
func (r *Registry) ListModels(ctx context.Context) ([]*ModelSummary, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT v.model_name, COUNT(*),
			COALESCE((SELECT a.version FROM active_models a WHERE a.model_name = v.model_name), 0)
		FROM model_versions v
		GROUP BY v.model_name
		ORDER BY v.model_name`)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list models: %w", err)
	}
	defer rows.Close()

	var summaries []*ModelSummary
	for rows.Next() {
		var s ModelSummary
		if err := rows.Scan(&s.Name, &s.Versions, &s.ActiveVersion); err != nil {
			return nil, err
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range summaries {
		if s.ActiveVersion == 0 {
			continue
		}
		err := r.readDB.QueryRowContext(ctx,
			`SELECT metric, score FROM model_versions WHERE model_name = ? AND version = ?`,
			s.Name, s.ActiveVersion).Scan(&s.Metric, &s.Score)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
	}
	return summaries, nil
}

// Close closes the catalog connections.
func (r *Registry) Close() error {
	if err := r.readDB.Close(); err != nil {
		r.db.Close()
		return err
	}
	return r.db.Close()
}

func (r *Registry) pointerFor(modelName string) *atomic.Pointer[types.ModelArtifact] {
	r.activeMu.RLock()
	ptr, ok := r.active[modelName]
	r.activeMu.RUnlock()
	if ok {
		return ptr
	}

	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if ptr, ok = r.active[modelName]; ok {
		return ptr
	}
	ptr = &atomic.Pointer[types.ModelArtifact]{}
	r.active[modelName] = ptr
	return ptr
}

func artifactObjectPath(modelName string, version int64) string {
	return fmt.Sprintf("models/%s/v%d.json.sz", modelName, version)
}
