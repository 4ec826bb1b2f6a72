// Package speech converts between text and audio for the companion.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/guard"
	"github.com/cexll/companion/pkg/telemetry"
)

const (
	defaultElevenLabsURL   = "https://api.elevenlabs.io"
	defaultTTSModel        = "eleven_flash_v2_5"
	defaultOutputFormat    = "mp3_44100_128"
	maxSynthesisTextLength = 5000
)

// ElevenLabsConfig configures the text-to-speech client.
type ElevenLabsConfig struct {
	APIKey          string
	VoiceID         string
	Model           string
	BaseURL         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	HTTPClient      *http.Client
	Guard           *guard.Guard
}

// Synthesizer turns text into audio with the ElevenLabs REST API.
type Synthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

// NewSynthesizer validates cfg and applies defaults.
func NewSynthesizer(cfg ElevenLabsConfig) (*Synthesizer, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "ELEVENLABS_API_KEY")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		missing = append(missing, "ELEVENLABS_VOICE_ID")
	}
	if len(missing) > 0 {
		return nil, errdefs.New(errdefs.ErrConfiguration, "speech.NewSynthesizer", "missing %s", strings.Join(missing, ", "))
	}
	if cfg.Model == "" {
		cfg.Model = defaultTTSModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultElevenLabsURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.75
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Synthesizer{cfg: cfg, client: client}, nil
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize returns encoded audio for text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (_ []byte, err error) {
	const op = "speech.synthesize"
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.New(errdefs.ErrValidation, op, "input text cannot be empty")
	}
	if len(text) > maxSynthesisTextLength {
		return nil, errdefs.New(errdefs.ErrValidation, op, "input text exceeds %d characters", maxSynthesisTextLength)
	}
	ctx, span := telemetry.StartSpan(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("tts.provider", "elevenlabs"),
			attribute.String("tts.model", s.cfg.Model),
			attribute.Int("tts.chars", len(text)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: s.cfg.Model,
		VoiceSettings: voiceSettings{
			Stability:       s.cfg.Stability,
			SimilarityBoost: s.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrSpeechSynthesis, op, err)
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.VoiceID), url.QueryEscape(s.cfg.OutputFormat))

	var audio []byte
	err = s.cfg.Guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("xi-api-key", s.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/mpeg")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, truncate(string(data), 200))
		}
		audio = data
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrSpeechSynthesis, op, err)
	}
	if len(audio) == 0 {
		return nil, errdefs.New(errdefs.ErrSpeechSynthesis, op, "generated audio is empty")
	}
	return audio, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
