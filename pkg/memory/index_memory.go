package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// InMemoryIndex is a RAM-backed Index for tests and ephemeral runs.
type InMemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dimension int
	points    map[string]Point
	order     []string
}

// NewInMemoryIndex returns an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{collections: make(map[string]*memCollection)}
}

func (x *InMemoryIndex) CollectionExists(_ context.Context, collection string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.collections[collection]
	return ok, nil
}

func (x *InMemoryIndex) CreateCollection(_ context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("in-memory index: invalid dimension %d", dimension)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.collections[collection]; ok {
		return nil
	}
	x.collections[collection] = &memCollection{dimension: dimension, points: make(map[string]Point)}
	return nil
}

func (x *InMemoryIndex) Upsert(_ context.Context, collection string, points []Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	col, ok := x.collections[collection]
	if !ok {
		return fmt.Errorf("in-memory index: collection %q not found", collection)
	}
	for _, p := range points {
		if len(p.Vector) != col.dimension {
			return fmt.Errorf("in-memory index: vector dimension %d, want %d", len(p.Vector), col.dimension)
		}
		if _, exists := col.points[p.ID]; !exists {
			col.order = append(col.order, p.ID)
		}
		col.points[p.ID] = Point{ID: p.ID, Vector: append([]float64(nil), p.Vector...), Payload: cloneMetadata(p.Payload)}
	}
	return nil
}

func (x *InMemoryIndex) Search(_ context.Context, collection string, vector []float64, limit int) ([]Hit, error) {
	x.mu.RLock()
	col, ok := x.collections[collection]
	if !ok {
		x.mu.RUnlock()
		return nil, nil
	}
	hits := make([]Hit, 0, len(col.order))
	for _, id := range col.order {
		p := col.points[id]
		hits = append(hits, Hit{ID: p.ID, Payload: cloneMetadata(p.Payload), Score: cosineSimilarity(vector, p.Vector)})
	}
	x.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len reports the number of points in a collection.
func (x *InMemoryIndex) Len(collection string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if col, ok := x.collections[collection]; ok {
		return len(col.points)
	}
	return 0
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 for
// empty or mismatched vectors.
func CosineSimilarity(a, b []float64) float64 { return cosineSimilarity(a, b) }

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
