package memory

import (
	"context"
	"time"
)

// Payload keys written with every stored memory.
const (
	PayloadText      = "text"
	PayloadID        = "id"
	PayloadTimestamp = "timestamp"
)

// Memory is a durable fact returned by the store. Score is only set on
// search results.
type Memory struct {
	ID       string
	Text     string
	Metadata map[string]any
	Score    float64
}

// Timestamp parses metadata.timestamp.
func (m Memory) Timestamp() (time.Time, bool) {
	raw, ok := m.Metadata[PayloadTimestamp].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Point is one vector record written to an Index.
type Point struct {
	ID      string
	Vector  []float64
	Payload map[string]any
}

// Hit is one ranked Index search result. Score is cosine similarity.
type Hit struct {
	ID      string
	Payload map[string]any
	Score   float64
}

// Index is a persistent vector index organised in named collections using
// cosine distance.
type Index interface {
	CollectionExists(ctx context.Context, collection string) (bool, error)
	CreateCollection(ctx context.Context, collection string, dimension int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float64, limit int) ([]Hit, error)
}

// VectorStore is the long-term memory surface consumed by Manager.
type VectorStore interface {
	Store(ctx context.Context, text string, metadata map[string]any) (Memory, error)
	Search(ctx context.Context, query string, k int) ([]Memory, error)
	FindSimilar(ctx context.Context, text string) (*Memory, error)
}

func cloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	dup := make(map[string]any, len(meta))
	for k, v := range meta {
		dup[k] = v
	}
	return dup
}
