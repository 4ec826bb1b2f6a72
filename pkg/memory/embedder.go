package memory

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// Embedder transforms raw text into dense vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// StaticEmbedder is a helper for tests that returns deterministic vectors.
type StaticEmbedder struct{ Vector []float64 }

// Embed returns identical vectors for each input.
func (e *StaticEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	_ = ctx
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = append([]float64(nil), e.Vector...)
	}
	return vectors, nil
}

// CachedEmbedder memoizes vectors per exact text. A dedup probe followed by
// an upsert of the same text costs a single embedding call.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Cache
}

// NewCachedEmbedder wraps inner with an expiring cache.
func NewCachedEmbedder(inner Embedder, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedEmbedder{inner: inner, cache: cache.New(ttl, 2*ttl)}
}

// Embed serves cached vectors and embeds the misses in one call.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if e == nil || e.inner == nil {
		return nil, errors.New("cached embedder: inner embedder is nil")
	}
	out := make([][]float64, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if v, ok := e.cache.Get(text); ok {
			out[i] = append([]float64(nil), v.([]float64)...)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vectors, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, errors.New("cached embedder: vector count mismatch")
	}
	for j, idx := range missIdx {
		vec := append([]float64(nil), vectors[j]...)
		e.cache.SetDefault(missTexts[j], vec)
		out[idx] = append([]float64(nil), vec...)
	}
	return out, nil
}

func embedOne(ctx context.Context, embedder Embedder, text string) ([]float64, error) {
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("embedder returned empty vector")
	}
	return vectors[0], nil
}
