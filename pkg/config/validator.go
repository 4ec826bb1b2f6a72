package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validator enforces constraints on Settings.
type Validator interface {
	Validate(*Settings) error
}

// DefaultValidator applies structural checks and requires the credentials of
// the selected chat provider and storage backends.
type DefaultValidator struct {
	maxTopK    int
	maxHistory int
}

// NewDefaultValidator builds a validator with default bounds.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{maxTopK: 50, maxHistory: 500}
}

// Validate reports every problem found, joined.
func (v *DefaultValidator) Validate(s *Settings) error {
	if s == nil {
		return errors.New("settings are nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch s.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderAnthropic:
		if s.ChatAPIKey() == "" {
			add("missing API key for provider %s", s.Provider)
		}
	default:
		add("unknown provider %q", s.Provider)
	}
	if strings.TrimSpace(s.TextModel) == "" {
		add("text model is required")
	}

	switch s.MemoryBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if s.PostgresDSN == "" {
			add("postgres memory backend requires POSTGRES_DSN")
		}
	default:
		add("unknown memory backend %q", s.MemoryBackend)
	}
	if s.EmbeddingAPIKey == "" {
		add("missing EMBEDDING_API_KEY (or OPENAI_API_KEY) for long-term memory")
	}
	switch s.CheckpointBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if s.RedisURL == "" {
			add("redis checkpoint backend requires REDIS_URL")
		}
	default:
		add("unknown checkpoint backend %q", s.CheckpointBackend)
	}

	if s.MemoryTopK <= 0 || s.MemoryTopK > v.maxTopK {
		add("memory_top_k must be in 1..%d", v.maxTopK)
	}
	if s.RouterMessagesToAnalyze <= 0 {
		add("router_messages_to_analyze must be positive")
	}
	if s.TotalMessagesSummaryTrigger <= 0 || s.TotalMessagesSummaryTrigger > v.maxHistory {
		add("total_messages_summary_trigger must be in 1..%d", v.maxHistory)
	}
	if s.TotalMessagesAfterSummary <= 0 || s.TotalMessagesAfterSummary >= s.TotalMessagesSummaryTrigger {
		add("total_messages_after_summary must be positive and below the summary trigger")
	}
	if s.SimilarityThreshold <= 0 || s.SimilarityThreshold > 1 {
		add("similarity_threshold must be in (0, 1]")
	}
	if s.MaxRetries < 0 {
		add("max_retries cannot be negative")
	}
	if _, err := s.Location(); err != nil {
		add("invalid timezone %q: %v", s.Timezone, err)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("invalid log level %q", s.LogLevel)
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		add("invalid log format %q", s.LogFormat)
	}
	return errors.Join(errs...)
}
