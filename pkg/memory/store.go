package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/companion/pkg/errdefs"
)

const (
	// DefaultCollection is the collection holding long-term memories.
	DefaultCollection = "long_term_memory"
	// DefaultSimilarityThreshold is the cosine score at or above which two
	// memories are the same fact.
	DefaultSimilarityThreshold = 0.9
)

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCollection overrides the collection name.
func WithCollection(name string) StoreOption {
	return func(s *Store) {
		if strings.TrimSpace(name) != "" {
			s.collection = name
		}
	}
}

// WithSimilarityThreshold overrides the dedup threshold.
func WithSimilarityThreshold(threshold float64) StoreOption {
	return func(s *Store) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps deduplicated memories in a vector Index. One Store is created
// at process start and shared by every turn.
type Store struct {
	index      Index
	embedder   Embedder
	collection string
	threshold  float64
	logger     *slog.Logger
	now        func() time.Time

	initMu sync.Mutex
	ready  atomic.Bool

	// writeMu serializes embed, nearest-neighbour check and upsert so that
	// concurrent turns storing the same fact converge on one record.
	writeMu sync.Mutex
}

// NewStore wires an index and an embedder.
func NewStore(index Index, embedder Embedder, opts ...StoreOption) (*Store, error) {
	if index == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, "memory.NewStore", "vector index is required")
	}
	if embedder == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, "memory.NewStore", "embedder is required")
	}
	s := &Store{
		index:      index,
		embedder:   embedder,
		collection: DefaultCollection,
		threshold:  DefaultSimilarityThreshold,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Collection returns the collection name.
func (s *Store) Collection() string { return s.collection }

// Store upserts text. If the nearest existing memory scores at or above the
// threshold its id is reused and its text replaced; otherwise metadata["id"]
// (or a fresh uuid) identifies the new record.
func (s *Store) Store(ctx context.Context, text string, metadata map[string]any) (Memory, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Memory{}, errdefs.New(errdefs.ErrValidation, "memory.Store", "text is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	vector, err := embedOne(ctx, s.embedder, text)
	if err != nil {
		return Memory{}, fmt.Errorf("embed memory: %w", err)
	}
	if err := s.ensureCollection(ctx, len(vector)); err != nil {
		return Memory{}, err
	}

	payload := cloneMetadata(metadata)
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	id, _ := payload[PayloadID].(string)

	hits, err := s.index.Search(ctx, s.collection, vector, 1)
	if err != nil {
		return Memory{}, fmt.Errorf("search nearest memory: %w", err)
	}
	if len(hits) > 0 && hits[0].Score >= s.threshold {
		prev := hits[0].ID
		s.logger.Debug("similar memory exists, updating in place", "id", prev, "score", hits[0].Score)
		id = prev
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := payload[PayloadTimestamp]; !ok {
		payload[PayloadTimestamp] = s.now().UTC().Format(time.RFC3339Nano)
	}
	payload[PayloadID] = id
	payload[PayloadText] = text

	if err := s.index.Upsert(ctx, s.collection, []Point{{ID: id, Vector: vector, Payload: payload}}); err != nil {
		return Memory{}, fmt.Errorf("upsert memory: %w", err)
	}
	return Memory{ID: id, Text: text, Metadata: withoutText(payload)}, nil
}

// Search returns up to k memories ordered by descending similarity. A
// missing collection yields no results.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Memory, error) {
	if k <= 0 {
		return nil, nil
	}
	exists, err := s.collectionExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	vector, err := embedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, s.collection, vector, k)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	out := make([]Memory, 0, len(hits))
	for _, hit := range hits {
		text, _ := hit.Payload[PayloadText].(string)
		id, _ := hit.Payload[PayloadID].(string)
		if id == "" {
			id = hit.ID
		}
		out = append(out, Memory{ID: id, Text: text, Metadata: withoutText(hit.Payload), Score: hit.Score})
	}
	return out, nil
}

// FindSimilar returns the nearest memory when it scores at or above the
// threshold, otherwise nil.
func (s *Store) FindSimilar(ctx context.Context, text string) (*Memory, error) {
	results, err := s.Search(ctx, text, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].Score < s.threshold {
		return nil, nil
	}
	return &results[0], nil
}

func (s *Store) collectionExists(ctx context.Context) (bool, error) {
	if s.ready.Load() {
		return true, nil
	}
	exists, err := s.index.CollectionExists(ctx, s.collection)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if exists {
		s.ready.Store(true)
	}
	return exists, nil
}

func (s *Store) ensureCollection(ctx context.Context, dimension int) error {
	if s.ready.Load() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready.Load() {
		return nil
	}
	exists, err := s.index.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if !exists {
		if err := s.index.CreateCollection(ctx, s.collection, dimension); err != nil {
			return fmt.Errorf("create collection %s: %w", s.collection, err)
		}
		s.logger.Info("created memory collection", "collection", s.collection, "dimension", dimension)
	}
	s.ready.Store(true)
	return nil
}

func withoutText(payload map[string]any) map[string]any {
	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == PayloadText {
			continue
		}
		meta[k] = v
	}
	return meta
}
