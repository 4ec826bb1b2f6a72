package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cexll/companion/pkg/errdefs"
)

// Loader resolves settings from .env files, the environment, the OS keyring
// and an optional YAML overlay, and caches the last valid result.
type Loader struct {
	path      string
	envFiles  []string
	validator Validator
	secrets   SecretSource
	lookupEnv func(string) (string, bool)

	mu   sync.Mutex
	last atomic.Pointer[Settings]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithConfigFile sets the YAML (or JSON) overlay path.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.path = strings.TrimSpace(path) }
}

// WithEnvFiles overrides the .env files consulted. Missing files are ignored.
func WithEnvFiles(files ...string) LoaderOption {
	return func(l *Loader) { l.envFiles = files }
}

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) { l.validator = v }
}

// WithSecretSource overrides the keyring fallback for API keys.
func WithSecretSource(src SecretSource) LoaderOption {
	return func(l *Loader) { l.secrets = src }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.lookupEnv = fn
		}
	}
}

// NewLoader builds a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		envFiles:  []string{".env", ".env.local"},
		validator: NewDefaultValidator(),
		secrets:   KeyringSecrets{},
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load is shorthand for NewLoader(opts...).Load().
func Load(opts ...LoaderOption) (*Settings, error) {
	return NewLoader(opts...).Load()
}

// Last returns the most recent valid settings.
func (l *Loader) Last() (*Settings, bool) {
	s := l.last.Load()
	return s, s != nil
}

// Load resolves, normalizes and validates settings.
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(s)
	return s, nil
}

// Reload refreshes settings, keeping the last good state on error.
func (l *Loader) Reload() (*Settings, error) {
	prev, _ := l.Last()
	s, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return s, nil
}

func (l *Loader) loadOnce() (*Settings, error) {
	const op = "config.load"
	for _, f := range l.envFiles {
		// godotenv.Load does not overwrite variables that are already set.
		_ = godotenv.Load(f)
	}

	s := Defaults()
	if err := applyEnv(s, l.lookupEnv); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, op, err)
	}

	var raw []byte
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfiguration, op, err)
		}
		if err := decodeMixedYAMLJSON(data, s); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfiguration, op, fmt.Errorf("%s: %w", l.path, err))
		}
		raw = data
		s.SourcePath = l.path
	}

	s.Normalize()
	if l.secrets != nil {
		resolveSecrets(s, l.secrets)
	}
	if l.validator != nil {
		if err := l.validator.Validate(s); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrConfiguration, op, err)
		}
	}
	s.SourceHash = computeConfigHash(raw)
	return s, nil
}

type binding struct {
	env    string
	target any
}

func (s *Settings) bindings() []binding {
	return []binding{
		{"PROVIDER", &s.Provider},
		{"GROQ_API_KEY", &s.GroqAPIKey},
		{"GROQ_BASE_URL", &s.GroqBaseURL},
		{"OPENAI_API_KEY", &s.OpenAIAPIKey},
		{"OPENAI_BASE_URL", &s.OpenAIBaseURL},
		{"ANTHROPIC_API_KEY", &s.AnthropicAPIKey},
		{"TOGETHER_API_KEY", &s.TogetherAPIKey},
		{"ELEVENLABS_API_KEY", &s.ElevenLabsAPIKey},
		{"ELEVENLABS_VOICE_ID", &s.ElevenLabsVoiceID},
		{"TEXT_MODEL_NAME", &s.TextModel},
		{"SMALL_TEXT_MODEL_NAME", &s.SmallTextModel},
		{"STT_MODEL_NAME", &s.STTModel},
		{"TTS_MODEL_NAME", &s.TTSModel},
		{"TTI_MODEL_NAME", &s.TTIModel},
		{"ITT_MODEL_NAME", &s.ITTModel},
		{"MAX_RETRIES", &s.MaxRetries},
		{"EMBEDDING_API_KEY", &s.EmbeddingAPIKey},
		{"EMBEDDING_BASE_URL", &s.EmbeddingBaseURL},
		{"EMBEDDING_MODEL", &s.EmbeddingModel},
		{"EMBEDDING_DIMENSIONS", &s.EmbeddingDimensions},
		{"EMBEDDING_CACHE_TTL", &s.EmbeddingCacheTTL},
		{"MEMORY_BACKEND", &s.MemoryBackend},
		{"LONG_TERM_MEMORY_DB_PATH", &s.LongTermMemoryDBPath},
		{"POSTGRES_DSN", &s.PostgresDSN},
		{"MEMORY_COLLECTION", &s.MemoryCollection},
		{"SIMILARITY_THRESHOLD", &s.SimilarityThreshold},
		{"CHECKPOINT_BACKEND", &s.CheckpointBackend},
		{"SHORT_TERM_MEMORY_DB_PATH", &s.ShortTermMemoryDBPath},
		{"REDIS_URL", &s.RedisURL},
		{"MEMORY_TOP_K", &s.MemoryTopK},
		{"ROUTER_MESSAGES_TO_ANALYZE", &s.RouterMessagesToAnalyze},
		{"TOTAL_MESSAGES_SUMMARY_TRIGGER", &s.TotalMessagesSummaryTrigger},
		{"TOTAL_MESSAGES_AFTER_SUMMARY", &s.TotalMessagesAfterSummary},
		{"CHARACTER_NAME", &s.CharacterName},
		{"TIMEZONE", &s.Timezone},
		{"SCHEDULE_PATH", &s.SchedulePath},
		{"IMAGE_DIR", &s.ImageDir},
		{"ENHANCE_IMAGE_PROMPTS", &s.EnhanceImagePrompts},
		{"RATE_LIMIT_PER_SECOND", &s.RateLimitPerSecond},
		{"RATE_LIMIT_BURST", &s.RateLimitBurst},
		{"BREAKER_MAX_FAILURES", &s.BreakerMaxFailures},
		{"OTEL_SERVICE_NAME", &s.ServiceName},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &s.OTelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", &s.OTelInsecure},
		{"LOG_LEVEL", &s.LogLevel},
		{"LOG_FORMAT", &s.LogFormat},
		{"METRICS_ADDR", &s.MetricsAddr},
	}
}

func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range s.bindings() {
		raw, ok := lookup(b.env)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		var err error
		switch p := b.target.(type) {
		case *string:
			*p = raw
		case *int:
			*p, err = strconv.Atoi(raw)
		case *float64:
			*p, err = strconv.ParseFloat(raw, 64)
		case *bool:
			*p, err = strconv.ParseBool(raw)
		case *time.Duration:
			*p, err = time.ParseDuration(raw)
		default:
			err = fmt.Errorf("unsupported binding type %T", b.target)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.env, err))
		}
	}
	return errors.Join(errs...)
}

func computeConfigHash(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// Parse decodes a YAML or JSON overlay on top of the defaults.
func Parse(data []byte) (*Settings, error) {
	s := Defaults()
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	if err := decodeMixedYAMLJSON(data, s); err != nil {
		return nil, err
	}
	s.Normalize()
	return s, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return errors.New("config decode failed: unsupported format")
}
