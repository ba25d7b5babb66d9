// Package feature persists immutable feature snapshots. Row payloads
// are serialized to JSON, snappy-compressed, and written to object
// storage; snapshot metadata lives in the SQLite catalog.
package feature

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/foresight/foresight/internal/storage"
	"github.com/foresight/foresight/pkg/types"
)

// ErrSnapshotNotFound is returned when a snapshot ID is unknown.
var ErrSnapshotNotFound = errors.New("feature: snapshot not found")

// SnapshotMeta is the catalog record for one snapshot.
type SnapshotMeta struct {
	ID          string
	Dataset     string
	ObjectPath  string
	RowCount    int64
	DroppedRows int64
	CreatedAt   time.Time
}

// Store manages snapshot persistence and retention.
type Store struct {
	db      *sql.DB // Write connection (single writer)
	readDB  *sql.DB // Read connection pool (concurrent readers)
	objects storage.ObjectStorage
	mu      sync.Mutex // Write-only lock (reads don't need this)

	retain       int
	retentionTTL time.Duration

	nowFn func() time.Time
}

// NewStore opens the snapshot catalog at dbPath and stores payloads in
// the given object storage. retain is the number of snapshots kept per
// dataset by the retention sweep; older ones are deleted once they are
// past retentionTTL.
func NewStore(dbPath string, objects storage.ObjectStorage, retain int, retentionTTL time.Duration) (*Store, error) {
	if retain < 1 {
		retain = 1
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("feature: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("feature: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		db:           db,
		readDB:       readDB,
		objects:      objects,
		retain:       retain,
		retentionTTL: retentionTTL,
		nowFn:        time.Now,
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("feature: failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id  TEXT PRIMARY KEY,
			dataset      TEXT NOT NULL,
			object_path  TEXT NOT NULL,
			row_count    INTEGER NOT NULL,
			dropped_rows INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_dataset
			ON snapshots(dataset, created_at DESC);
	`)
	return err
}

// Save assigns the snapshot its identity and persists it. The input is
// not mutated; the returned snapshot carries the assigned ID and
// creation time. Saved snapshots are immutable.
func (s *Store) Save(ctx context.Context, snap *types.FeatureSnapshot) (*types.FeatureSnapshot, error) {
	saved := *snap
	saved.ID = uuid.New().String()
	saved.CreatedAt = s.nowFn().UTC()

	payload, err := json.Marshal(saved.Rows)
	if err != nil {
		return nil, fmt.Errorf("feature: failed to serialize rows: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	objectPath := snapshotObjectPath(saved.Dataset, saved.ID)
	if err := s.objects.Put(ctx, objectPath, compressed); err != nil {
		return nil, fmt.Errorf("feature: failed to store snapshot payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, dataset, object_path, row_count, dropped_rows, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		saved.ID, saved.Dataset, objectPath, saved.RowCount(), saved.DroppedRows, saved.CreatedAt.UnixNano())
	if err != nil {
		// Roll back the orphaned payload; Delete is idempotent
		_ = s.objects.Delete(ctx, objectPath)
		return nil, fmt.Errorf("feature: failed to register snapshot: %w", err)
	}

	return &saved, nil
}

// Get loads a snapshot with its full row payload.
func (s *Store) Get(ctx context.Context, snapshotID string) (*types.FeatureSnapshot, error) {
	meta, err := s.getMeta(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, meta)
}

// Latest returns up to n most recent snapshots for the dataset,
// newest first, with payloads loaded.
func (s *Store) Latest(ctx context.Context, dataset string, n int) ([]*types.FeatureSnapshot, error) {
	metas, err := s.LatestMeta(ctx, dataset, n)
	if err != nil {
		return nil, err
	}

	snaps := make([]*types.FeatureSnapshot, 0, len(metas))
	for _, meta := range metas {
		snap, err := s.load(ctx, meta)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// LatestMeta returns catalog records for up to n most recent
// snapshots of the dataset, newest first.
func (s *Store) LatestMeta(ctx context.Context, dataset string, n int) ([]*SnapshotMeta, error) {
	if n < 1 {
		n = 1
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT snapshot_id, dataset, object_path, row_count, dropped_rows, created_at
		FROM snapshots
		WHERE dataset = ?
		ORDER BY created_at DESC, snapshot_id DESC
		LIMIT ?`, dataset, n)
	if err != nil {
		return nil, fmt.Errorf("feature: failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var metas []*SnapshotMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Datasets returns all dataset names present in the catalog.
func (s *Store) Datasets(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT DISTINCT dataset FROM snapshots ORDER BY dataset`)
	if err != nil {
		return nil, fmt.Errorf("feature: failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// Sweep applies the retention policy: for each dataset the most recent
// retain snapshots are kept; older ones past the retention TTL are
// deleted from the catalog and object storage. Returns deleted IDs.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	datasets, err := s.Datasets(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.nowFn().UTC().Add(-s.retentionTTL).UnixNano()
	var deleted []string

	for _, dataset := range datasets {
		ids, err := s.sweepDataset(ctx, dataset, cutoff)
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, ids...)
	}

	if len(deleted) > 0 {
		log.Printf("feature: retention sweep deleted %d snapshots", len(deleted))
	}
	return deleted, nil
}

func (s *Store) sweepDataset(ctx context.Context, dataset string, cutoff int64) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT snapshot_id, dataset, object_path, row_count, dropped_rows, created_at
		FROM snapshots
		WHERE dataset = ? AND created_at < ?
		AND snapshot_id NOT IN (
			SELECT snapshot_id FROM snapshots WHERE dataset = ?
			ORDER BY created_at DESC, snapshot_id DESC LIMIT ?
		)`, dataset, cutoff, dataset, s.retain)
	if err != nil {
		return nil, fmt.Errorf("feature: failed to find expired snapshots: %w", err)
	}
	defer rows.Close()

	var expired []*SnapshotMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var deleted []string
	for _, meta := range expired {
		if err := s.delete(ctx, meta); err != nil {
			return deleted, err
		}
		deleted = append(deleted, meta.ID)
	}
	return deleted, nil
}

func (s *Store) delete(ctx context.Context, meta *SnapshotMeta) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, meta.ID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("feature: failed to delete snapshot %s: %w", meta.ID, err)
	}

	if err := s.objects.Delete(ctx, meta.ObjectPath); err != nil {
		// The catalog row is gone; an orphaned blob only wastes space
		log.Printf("feature: failed to delete payload for %s: %v", meta.ID, err)
	}
	return nil
}

// Close closes the catalog connections.
func (s *Store) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) getMeta(ctx context.Context, snapshotID string) (*SnapshotMeta, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT snapshot_id, dataset, object_path, row_count, dropped_rows, created_at
		FROM snapshots WHERE snapshot_id = ?`, snapshotID)

	meta, err := scanMeta(row)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	return meta, err
}

func (s *Store) load(ctx context.Context, meta *SnapshotMeta) (*types.FeatureSnapshot, error) {
	compressed, err := s.objects.Get(ctx, meta.ObjectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("feature: failed to fetch snapshot payload: %w", err)
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("feature: failed to decompress snapshot %s: %w", meta.ID, err)
	}

	var featureRows []types.FeatureRow
	if err := json.Unmarshal(payload, &featureRows); err != nil {
		return nil, fmt.Errorf("feature: failed to decode snapshot %s: %w", meta.ID, err)
	}

	return &types.FeatureSnapshot{
		ID:          meta.ID,
		Dataset:     meta.Dataset,
		CreatedAt:   meta.CreatedAt,
		Rows:        featureRows,
		DroppedRows: meta.DroppedRows,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMeta(r rowScanner) (*SnapshotMeta, error) {
	var meta SnapshotMeta
	var createdAt int64
	if err := r.Scan(&meta.ID, &meta.Dataset, &meta.ObjectPath,
		&meta.RowCount, &meta.DroppedRows, &createdAt); err != nil {
		return nil, err
	}
	meta.CreatedAt = time.Unix(0, createdAt).UTC()
	return &meta, nil
}

func snapshotObjectPath(dataset, id string) string {
	return fmt.Sprintf("snapshots/%s/%s.json.sz", dataset, id)
}
