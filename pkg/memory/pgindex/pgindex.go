// Package pgindex implements memory.Index on PostgreSQL with pgvector.
// Each collection is its own table; ranking uses the cosine operator (<=>).
package pgindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/cexll/companion/pkg/memory"
)

const tablePrefix = "memory_"

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// Index is a pgvector-backed memory.Index.
type Index struct {
	db *sql.DB
}

var _ memory.Index = (*Index)(nil)

// Open connects to dsn and makes sure the vector extension is installed.
func Open(ctx context.Context, dsn string) (*Index, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgindex: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgindex: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgindex: enable pgvector: %w", err)
	}
	return &Index{db: db}, nil
}

// New wraps an existing handle. The vector extension must already exist.
func New(db *sql.DB) *Index { return &Index{db: db} }

// Close releases the connection pool.
func (x *Index) Close() error { return x.db.Close() }

func (x *Index) CollectionExists(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := x.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, tableName(collection)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgindex: collection exists: %w", err)
	}
	return exists, nil
}

func (x *Index) CreateCollection(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("pgindex: invalid dimension %d", dimension)
	}
	table := pq.QuoteIdentifier(tableName(collection))
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		embedding  vector(%d) NOT NULL,
		payload    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table, dimension)
	if _, err := x.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("pgindex: create collection: %w", err)
	}
	return nil
}

func (x *Index) Upsert(ctx context.Context, collection string, points []memory.Point) error {
	table := pq.QuoteIdentifier(tableName(collection))
	stmt := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload, updated_at = now()`, table)

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgindex: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("pgindex: encode payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, p.ID, toVector(p.Vector), payload); err != nil {
			return fmt.Errorf("pgindex: upsert %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (x *Index) Search(ctx context.Context, collection string, vector []float64, limit int) ([]memory.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	table := pq.QuoteIdentifier(tableName(collection))
	query := fmt.Sprintf(`SELECT id, payload, 1 - (embedding <=> $1::vector) AS score
		FROM %s ORDER BY embedding <=> $1::vector LIMIT $2`, table)
	rows, err := x.db.QueryContext(ctx, query, toVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("pgindex: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []memory.Hit
	for rows.Next() {
		var (
			hit     memory.Hit
			payload []byte
		)
		if err := rows.Scan(&hit.ID, &payload, &hit.Score); err != nil {
			return nil, fmt.Errorf("pgindex: scan: %w", err)
		}
		if err := json.Unmarshal(payload, &hit.Payload); err != nil {
			return nil, fmt.Errorf("pgindex: decode payload %s: %w", hit.ID, err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func tableName(collection string) string {
	name := unsafeIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(collection)), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default"
	}
	return tablePrefix + name
}

func toVector(v []float64) pgvector.Vector {
	f32 := make([]float32, len(v))
	for i, f := range v {
		f32[i] = float32(f)
	}
	return pgvector.NewVector(f32)
}
