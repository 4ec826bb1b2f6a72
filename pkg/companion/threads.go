package companion

import (
	"context"
	"fmt"
	"sync"

	"github.com/cexll/companion/pkg/model"
)

// StateStore persists conversation state per thread. Load returns (nil, nil)
// for unknown threads.
type StateStore interface {
	Load(ctx context.Context, threadID string) (*State, error)
	Save(ctx context.Context, threadID string, st *State) error
	Delete(ctx context.Context, threadID string) error
}

// Threads runs turns against persisted conversations. Turns on the same
// thread are serialized; different threads run concurrently.
type Threads struct {
	engine *Engine
	store  StateStore
	// locks holds one mutex per thread id for the life of Threads. Entries
	// are not evicted on Reset: a waiter may still hold the old mutex.
	locks sync.Map
}

// NewThreads binds engine to store.
func NewThreads(engine *Engine, store StateStore) *Threads {
	return &Threads{engine: engine, store: store}
}

// Send appends msg to the thread, runs a turn and saves the result. The
// saved state is only updated when the turn succeeds.
func (t *Threads) Send(ctx context.Context, threadID string, msg model.Message) (*State, error) {
	mu := t.lock(threadID)
	mu.Lock()
	defer mu.Unlock()

	prev, err := t.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	in := prev.Clone()
	in.Messages = append(in.Messages, msg)

	out, err := t.engine.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := t.store.Save(ctx, threadID, out); err != nil {
		return nil, fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return out, nil
}

// State returns the persisted state of a thread, empty when unknown.
func (t *Threads) State(ctx context.Context, threadID string) (*State, error) {
	st, err := t.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &State{}, nil
	}
	return st, nil
}

// Reset forgets the thread's short-term history.
func (t *Threads) Reset(ctx context.Context, threadID string) error {
	mu := t.lock(threadID)
	mu.Lock()
	defer mu.Unlock()
	return t.store.Delete(ctx, threadID)
}

func (t *Threads) lock(threadID string) *sync.Mutex {
	v, _ := t.locks.LoadOrStore(threadID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
