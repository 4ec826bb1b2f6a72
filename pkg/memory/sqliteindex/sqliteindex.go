// Package sqliteindex implements memory.Index on an embedded SQLite database.
// Vectors are stored as float64 blobs and ranked in process.
package sqliteindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cexll/companion/pkg/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS vector_collections (
	name       TEXT PRIMARY KEY,
	dimension  INTEGER NOT NULL,
	distance   TEXT NOT NULL DEFAULT 'cosine',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS vector_points (
	collection TEXT NOT NULL REFERENCES vector_collections(name) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	vector     BLOB NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);`

// Index is a SQLite-backed memory.Index.
type Index struct {
	db *sql.DB
}

var _ memory.Index = (*Index)(nil)

// Open opens (or creates) the database at path, creating parent
// directories.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqliteindex: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: open: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqliteindex: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }

func (x *Index) CollectionExists(ctx context.Context, collection string) (bool, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_collections WHERE name = ?`, collection).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqliteindex: collection exists: %w", err)
	}
	return n > 0, nil
}

func (x *Index) CreateCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("sqliteindex: invalid dimension %d", dimension)
	}
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dimension, distance, created_at) VALUES (?, ?, 'cosine', ?)
		 ON CONFLICT(name) DO NOTHING`,
		collection, dimension, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqliteindex: create collection: %w", err)
	}
	return nil
}

func (x *Index) Upsert(ctx context.Context, collection string, points []memory.Point) error {
	dimension, err := x.dimension(ctx, collection)
	if err != nil {
		return err
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqliteindex: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range points {
		if len(p.Vector) != dimension {
			return fmt.Errorf("sqliteindex: vector dimension %d, want %d", len(p.Vector), dimension)
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("sqliteindex: encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO vector_points (collection, id, vector, payload, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload, updated_at = excluded.updated_at`,
			collection, p.ID, encodeVector(p.Vector), string(payload), now)
		if err != nil {
			return fmt.Errorf("sqliteindex: upsert %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (x *Index) Search(ctx context.Context, collection string, vector []float64, limit int) ([]memory.Hit, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, vector, payload FROM vector_points WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []memory.Hit
	for rows.Next() {
		var (
			id      string
			blob    []byte
			payload string
		)
		if err := rows.Scan(&id, &blob, &payload); err != nil {
			return nil, fmt.Errorf("sqliteindex: scan: %w", err)
		}
		stored, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("sqliteindex: point %s: %w", id, err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(payload), &meta); err != nil {
			return nil, fmt.Errorf("sqliteindex: decode payload %s: %w", id, err)
		}
		hits = append(hits, memory.Hit{ID: id, Payload: meta, Score: memory.CosineSimilarity(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqliteindex: rows: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (x *Index) dimension(ctx context.Context, collection string) (int, error) {
	var dim int
	err := x.db.QueryRowContext(ctx, `SELECT dimension FROM vector_collections WHERE name = ?`, collection).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqliteindex: collection %q not found", collection)
	}
	if err != nil {
		return 0, fmt.Errorf("sqliteindex: collection dimension: %w", err)
	}
	return dim, nil
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(buf))
	}
	v := make([]float64, len(buf)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return v, nil
}
