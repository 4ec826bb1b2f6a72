// Package checkpoint persists short-term conversation state per thread.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cexll/companion/pkg/companion"
)

// ErrInvalidThread rejects empty thread identifiers.
var ErrInvalidThread = errors.New("checkpoint: thread id is required")

// Store is a companion.StateStore that can enumerate its threads and owns a
// closable resource.
type Store interface {
	companion.StateStore
	Threads(ctx context.Context) ([]string, error)
	Close() error
}

// snapshot is the persisted form of a conversation. Per-turn artifacts are
// not kept.
type snapshot struct {
	Version         int             `json:"version"`
	Messages        json.RawMessage `json:"messages"`
	Summary         string          `json:"summary,omitempty"`
	CurrentActivity string          `json:"current_activity,omitempty"`
}

const snapshotVersion = 1

func encode(st *companion.State) ([]byte, error) {
	if st == nil {
		st = &companion.State{}
	}
	msgs, err := json.Marshal(st.Messages)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode messages: %w", err)
	}
	return json.Marshal(snapshot{
		Version:         snapshotVersion,
		Messages:        msgs,
		Summary:         st.Summary,
		CurrentActivity: st.CurrentActivity,
	})
}

func decode(data []byte) (*companion.State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("checkpoint: unsupported snapshot version %d", snap.Version)
	}
	st := &companion.State{Summary: snap.Summary, CurrentActivity: snap.CurrentActivity}
	if len(snap.Messages) > 0 {
		if err := json.Unmarshal(snap.Messages, &st.Messages); err != nil {
			return nil, fmt.Errorf("checkpoint: decode messages: %w", err)
		}
	}
	return st, nil
}

func validThread(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidThread
	}
	return nil
}

// MemoryStore keeps snapshots in process. Useful for tests and one-shot runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, threadID string) (*companion.State, error) {
	if err := validThread(threadID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.items[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decode(data)
}

func (s *MemoryStore) Save(_ context.Context, threadID string, st *companion.State) error {
	if err := validThread(threadID); err != nil {
		return err
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[threadID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.items, threadID)
	s.mu.Unlock()
	return nil
}

// Threads lists stored thread ids in lexical order.
func (s *MemoryStore) Threads(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
