package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/companion/pkg/model"
)

// Extraction outcomes reported to an Observer.
const (
	OutcomeStored      = "stored"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnimportant = "unimportant"
)

// Analysis is the classifier verdict for one message.
type Analysis struct {
	IsImportant     bool   `json:"is_important" jsonschema:"description=Whether the message contains a durable personal fact worth remembering"`
	FormattedMemory string `json:"formatted_memory,omitempty" jsonschema:"description=The fact as a short third-person statement; empty when not important"`
}

// Analyzer decides whether a message holds a durable fact.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Analysis, error)
}

// Observer receives extraction outcomes (metrics).
type Observer interface {
	MemoryOutcome(outcome string)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(obs Observer) ManagerOption {
	return func(m *Manager) { m.observer = obs }
}

// WithManagerClock overrides the timestamp source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager extracts facts from user messages and retrieves them for prompts.
type Manager struct {
	store    VectorStore
	analyzer Analyzer
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewManager wires a store and an analyzer.
func NewManager(store VectorStore, analyzer Analyzer, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		analyzer: analyzer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ExtractAndStore analyzes a user message and stores the fact it carries.
// Other roles are ignored. Analyzer failures are returned to the caller.
func (m *Manager) ExtractAndStore(ctx context.Context, msg model.Message) error {
	if msg.Role != model.RoleUser {
		return nil
	}
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return nil
	}
	analysis, err := m.analyzer.Analyze(ctx, text)
	if err != nil {
		return fmt.Errorf("analyze memory: %w", err)
	}
	fact := strings.TrimSpace(analysis.FormattedMemory)
	if !analysis.IsImportant || fact == "" {
		m.observe(OutcomeUnimportant)
		return nil
	}

	similar, err := m.store.FindSimilar(ctx, fact)
	if err != nil {
		return fmt.Errorf("find similar memory: %w", err)
	}
	if similar != nil {
		m.logger.Info("similar memory already exists", "memory", fact, "existing_id", similar.ID, "score", similar.Score)
		m.observe(OutcomeDuplicate)
		return nil
	}

	stored, err := m.store.Store(ctx, fact, map[string]any{
		PayloadID:        uuid.NewString(),
		PayloadTimestamp: m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	m.logger.Info("stored memory", "id", stored.ID, "memory", fact)
	m.observe(OutcomeStored)
	return nil
}

// RelevantMemories returns the text of the k memories closest to query.
func (m *Manager) RelevantMemories(ctx context.Context, query string, k int) ([]string, error) {
	results, err := m.store.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
	}
	return texts, nil
}

// FormatForPrompt renders memories as "- text" lines. No memories yields "".
func FormatForPrompt(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	lines := make([]string, 0, len(memories))
	for _, mem := range memories {
		lines = append(lines, "- "+mem)
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) observe(outcome string) {
	if m.observer != nil {
		m.observer.MemoryOutcome(outcome)
	}
}
