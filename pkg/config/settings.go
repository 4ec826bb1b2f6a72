package config

import (
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // Timezone must resolve on hosts without zoneinfo.
)

// Chat providers.
const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Settings is the complete runtime configuration.
type Settings struct {
	Provider        string `json:"provider" yaml:"provider"`
	GroqAPIKey      string `json:"groq_api_key" yaml:"groq_api_key"`
	GroqBaseURL     string `json:"groq_base_url" yaml:"groq_base_url"`
	OpenAIAPIKey    string `json:"openai_api_key" yaml:"openai_api_key"`
	OpenAIBaseURL   string `json:"openai_base_url" yaml:"openai_base_url"`
	AnthropicAPIKey string `json:"anthropic_api_key" yaml:"anthropic_api_key"`
	TogetherAPIKey  string `json:"together_api_key" yaml:"together_api_key"`

	ElevenLabsAPIKey  string `json:"elevenlabs_api_key" yaml:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `json:"elevenlabs_voice_id" yaml:"elevenlabs_voice_id"`

	TextModel      string `json:"text_model_name" yaml:"text_model_name"`
	SmallTextModel string `json:"small_text_model_name" yaml:"small_text_model_name"`
	STTModel       string `json:"stt_model_name" yaml:"stt_model_name"`
	TTSModel       string `json:"tts_model_name" yaml:"tts_model_name"`
	TTIModel       string `json:"tti_model_name" yaml:"tti_model_name"`
	ITTModel       string `json:"itt_model_name" yaml:"itt_model_name"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`

	EmbeddingAPIKey     string        `json:"embedding_api_key" yaml:"embedding_api_key"`
	EmbeddingBaseURL    string        `json:"embedding_base_url" yaml:"embedding_base_url"`
	EmbeddingModel      string        `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingDimensions int           `json:"embedding_dimensions" yaml:"embedding_dimensions"`
	EmbeddingCacheTTL   time.Duration `json:"embedding_cache_ttl" yaml:"embedding_cache_ttl"`

	MemoryBackend         string  `json:"memory_backend" yaml:"memory_backend"`
	LongTermMemoryDBPath  string  `json:"long_term_memory_db_path" yaml:"long_term_memory_db_path"`
	PostgresDSN           string  `json:"postgres_dsn" yaml:"postgres_dsn"`
	MemoryCollection      string  `json:"memory_collection" yaml:"memory_collection"`
	SimilarityThreshold   float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	CheckpointBackend     string  `json:"checkpoint_backend" yaml:"checkpoint_backend"`
	ShortTermMemoryDBPath string  `json:"short_term_memory_db_path" yaml:"short_term_memory_db_path"`
	RedisURL              string  `json:"redis_url" yaml:"redis_url"`

	MemoryTopK                  int `json:"memory_top_k" yaml:"memory_top_k"`
	RouterMessagesToAnalyze     int `json:"router_messages_to_analyze" yaml:"router_messages_to_analyze"`
	TotalMessagesSummaryTrigger int `json:"total_messages_summary_trigger" yaml:"total_messages_summary_trigger"`
	TotalMessagesAfterSummary   int `json:"total_messages_after_summary" yaml:"total_messages_after_summary"`

	CharacterName       string `json:"character_name" yaml:"character_name"`
	Timezone            string `json:"timezone" yaml:"timezone"`
	SchedulePath        string `json:"schedule_path" yaml:"schedule_path"`
	ImageDir            string `json:"image_dir" yaml:"image_dir"`
	EnhanceImagePrompts bool   `json:"enhance_image_prompts" yaml:"enhance_image_prompts"`

	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	BreakerMaxFailures int     `json:"breaker_max_failures" yaml:"breaker_max_failures"`

	ServiceName  string `json:"service_name" yaml:"service_name"`
	OTelEndpoint string `json:"otel_endpoint" yaml:"otel_endpoint"`
	OTelInsecure bool   `json:"otel_insecure" yaml:"otel_insecure"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format"`
	MetricsAddr  string `json:"metrics_addr" yaml:"metrics_addr"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// Model defaults per chat provider: text, small text, vision.
var providerModels = map[string][3]string{
	ProviderGroq:      {"llama-3.3-70b-versatile", "gemma2-9b-it", "llama-3.2-90b-vision-preview"},
	ProviderOpenAI:    {"gpt-4o", "gpt-4o-mini", "gpt-4o-mini"},
	ProviderAnthropic: {"claude-sonnet-4-5", "claude-haiku-4-5", "claude-sonnet-4-5"},
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	groq := providerModels[ProviderGroq]
	return &Settings{
		Provider:                    ProviderGroq,
		GroqBaseURL:                 "https://api.groq.com/openai/v1",
		TextModel:                   groq[0],
		SmallTextModel:              groq[1],
		STTModel:                    "whisper-large-v3-turbo",
		TTSModel:                    "eleven_flash_v2_5",
		TTIModel:                    "black-forest-labs/FLUX.1-schnell-Free",
		ITTModel:                    groq[2],
		MaxRetries:                  2,
		EmbeddingModel:              "text-embedding-3-small",
		EmbeddingCacheTTL:           10 * time.Minute,
		MemoryBackend:               BackendSQLite,
		LongTermMemoryDBPath:        "/app/data/long_term_memory.db",
		MemoryCollection:            "long_term_memory",
		SimilarityThreshold:         0.9,
		CheckpointBackend:           BackendSQLite,
		ShortTermMemoryDBPath:       "/app/data/memory.db",
		MemoryTopK:                  3,
		RouterMessagesToAnalyze:     3,
		TotalMessagesSummaryTrigger: 20,
		TotalMessagesAfterSummary:   5,
		CharacterName:               "Ava",
		Timezone:                    "Africa/Lagos",
		ImageDir:                    "generated_images",
		RateLimitPerSecond:          5,
		RateLimitBurst:              5,
		BreakerMaxFailures:          5,
		ServiceName:                 "companion",
		LogLevel:                    "info",
		LogFormat:                   "text",
	}
}

// Normalize trims whitespace and coerces enums and paths.
func (s *Settings) Normalize() {
	if s == nil {
		return
	}
	for _, p := range []*string{
		&s.Provider, &s.MemoryBackend, &s.CheckpointBackend, &s.LogLevel, &s.LogFormat,
	} {
		*p = strings.ToLower(strings.TrimSpace(*p))
	}
	for _, p := range []*string{
		&s.GroqAPIKey, &s.OpenAIAPIKey, &s.AnthropicAPIKey, &s.TogetherAPIKey,
		&s.ElevenLabsAPIKey, &s.ElevenLabsVoiceID, &s.EmbeddingAPIKey,
		&s.CharacterName, &s.Timezone, &s.PostgresDSN, &s.RedisURL,
	} {
		*p = strings.TrimSpace(*p)
	}
	for _, p := range []*string{&s.LongTermMemoryDBPath, &s.ShortTermMemoryDBPath, &s.ImageDir, &s.SchedulePath} {
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
	for _, p := range []*string{&s.GroqBaseURL, &s.OpenAIBaseURL, &s.EmbeddingBaseURL} {
		*p = strings.TrimRight(strings.TrimSpace(*p), "/")
	}
	if s.EmbeddingAPIKey == "" {
		s.EmbeddingAPIKey = s.OpenAIAPIKey
	}
	s.applyProviderModels()
}

// applyProviderModels swaps untouched Groq model defaults for the selected
// provider's.
func (s *Settings) applyProviderModels() {
	want, ok := providerModels[s.Provider]
	if !ok || s.Provider == ProviderGroq {
		return
	}
	groq := providerModels[ProviderGroq]
	for i, p := range []*string{&s.TextModel, &s.SmallTextModel, &s.ITTModel} {
		if *p == groq[i] || *p == "" {
			*p = want[i]
		}
	}
}

// Location resolves Timezone.
func (s *Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// ChatAPIKey returns the key for the configured chat provider.
func (s *Settings) ChatAPIKey() string {
	switch s.Provider {
	case ProviderOpenAI:
		return s.OpenAIAPIKey
	case ProviderAnthropic:
		return s.AnthropicAPIKey
	default:
		return s.GroqAPIKey
	}
}
