package speech

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/guard"
	"github.com/cexll/companion/pkg/telemetry"
)

const defaultSTTModel = "whisper-large-v3-turbo"

// TranscriberConfig configures speech-to-text against an OpenAI-compatible
// audio endpoint (Groq by default in config).
type TranscriberConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	MaxRetries int
	HTTPClient *http.Client
	Guard      *guard.Guard
}

// Transcriber converts audio to text.
type Transcriber struct {
	client   openaisdk.Client
	model    string
	language string
	guard    *guard.Guard
}

// NewTranscriber validates cfg and builds the client.
func NewTranscriber(cfg TranscriberConfig) (*Transcriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errdefs.New(errdefs.ErrConfiguration, "speech.NewTranscriber", "missing GROQ_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = defaultSTTModel
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &Transcriber{
		client:   openaisdk.NewClient(opts...),
		model:    model,
		language: language,
		guard:    cfg.Guard,
	}, nil
}

// Transcribe returns the text spoken in audio. filename only informs the
// server of the container format; "audio.wav" is used when empty.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, filename string) (_ string, err error) {
	const op = "speech.transcribe"
	if len(audio) == 0 {
		return "", errdefs.New(errdefs.ErrValidation, op, "audio data cannot be empty")
	}
	if filename == "" {
		filename = "audio.wav"
	}
	ctx, span := telemetry.StartSpan(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("stt.model", t.model),
			attribute.Int("stt.bytes", len(audio)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	var text string
	err = t.guard.Do(ctx, func(ctx context.Context) error {
		resp, err := t.client.Audio.Transcriptions.New(ctx, openaisdk.AudioTranscriptionNewParams{
			File:     openaisdk.File(bytes.NewReader(audio), filepath.Base(filename), audioContentType(filename)),
			Model:    openaisdk.AudioModel(t.model),
			Language: openaisdk.String(t.language),
		})
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrTranscription, op, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errdefs.New(errdefs.ErrTranscription, op, "transcription result is empty")
	}
	return text, nil
}

func audioContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3", ".mpeg":
		return "audio/mpeg"
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".webm":
		return "audio/webm"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/wav"
	}
}
