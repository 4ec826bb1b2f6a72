// Package image creates and interprets pictures for the companion.
package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/guard"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/telemetry"
)

const (
	defaultTogetherURL = "https://api.together.xyz/v1"
	defaultImageModel  = "black-forest-labs/FLUX.1-schnell-Free"

	scenarioTemperature = 0.4
	enhanceTemperature  = 0.25
	scenarioWindow      = 5
)

// Scenario is a first-person narrative plus the prompt used to render it.
type Scenario struct {
	Narrative   string `json:"narrative" jsonschema:"description=First-person description of what the character is doing or seeing"`
	ImagePrompt string `json:"image_prompt" jsonschema:"description=Detailed visual prompt for an image model"`
}

type enhancedPrompt struct {
	Content string `json:"content" jsonschema:"description=The enhanced image prompt"`
}

var (
	scenarioSchema = model.MustSchema[Scenario]("scenario", "Narrative and image prompt for the current conversation")
	enhanceSchema  = model.MustSchema[enhancedPrompt]("enhanced_prompt", "A more detailed image prompt")
)

// GeneratorConfig configures scenario writing and image rendering.
type GeneratorConfig struct {
	// Model writes scenarios and enhances prompts.
	Model model.Model
	// APIKey, BaseURL and ImageModel address an OpenAI-compatible images
	// endpoint (Together by default).
	APIKey     string
	BaseURL    string
	ImageModel string
	Width      int
	Height     int
	Steps      int
	MaxRetries int
	HTTPClient *http.Client
	Guard      *guard.Guard
}

// Generator implements scenario creation, prompt enhancement and rendering.
type Generator struct {
	model      model.Model
	client     openaisdk.Client
	imageModel string
	width      int
	height     int
	steps      int
	guard      *guard.Guard
}

// NewGenerator validates cfg and builds the images client.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	const op = "image.NewGenerator"
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errdefs.New(errdefs.ErrConfiguration, op, "missing TOGETHER_API_KEY")
	}
	if cfg.Model == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, op, "scenario model is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTogetherURL
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	g := &Generator{
		model:      cfg.Model,
		client:     openaisdk.NewClient(opts...),
		imageModel: cfg.ImageModel,
		width:      cfg.Width,
		height:     cfg.Height,
		steps:      cfg.Steps,
		guard:      cfg.Guard,
	}
	if g.imageModel == "" {
		g.imageModel = defaultImageModel
	}
	if g.width <= 0 {
		g.width = 1024
	}
	if g.height <= 0 {
		g.height = 768
	}
	if g.steps <= 0 {
		g.steps = 4
	}
	return g, nil
}

// CreateScenario writes a scenario from the most recent messages.
func (g *Generator) CreateScenario(ctx context.Context, history []model.Message) (Scenario, error) {
	const op = "image.create_scenario"
	recent := history
	if len(recent) > scenarioWindow {
		recent = recent[len(recent)-scenarioWindow:]
	}
	var transcript strings.Builder
	for _, msg := range recent {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Text())
	}
	resp, err := g.model.Complete(ctx, model.Request{
		System:      scenarioPrompt,
		Messages:    []model.Message{model.UserMessage("Conversation:\n" + transcript.String())},
		Temperature: model.Temperature(scenarioTemperature),
		Schema:      scenarioSchema,
	})
	if err != nil {
		return Scenario{}, errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
	}
	var out Scenario
	if err := model.Decode(resp, &out); err != nil {
		return Scenario{}, errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
	}
	if strings.TrimSpace(out.ImagePrompt) == "" {
		return Scenario{}, errdefs.New(errdefs.ErrImageGeneration, op, "scenario has no image prompt")
	}
	return out, nil
}

// EnhancePrompt rewrites prompt with more visual detail.
func (g *Generator) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	const op = "image.enhance_prompt"
	if strings.TrimSpace(prompt) == "" {
		return "", errdefs.New(errdefs.ErrValidation, op, "prompt cannot be empty")
	}
	resp, err := g.model.Complete(ctx, model.Request{
		System:      enhancePrompt,
		Messages:    []model.Message{model.UserMessage(prompt)},
		Temperature: model.Temperature(enhanceTemperature),
		Schema:      enhanceSchema,
	})
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
	}
	var out enhancedPrompt
	if err := model.Decode(resp, &out); err != nil {
		return "", errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return prompt, nil
	}
	return out.Content, nil
}

// Render generates an image for prompt. When outputPath is set the bytes are
// also written there, creating parent directories.
func (g *Generator) Render(ctx context.Context, prompt, outputPath string) (_ []byte, err error) {
	const op = "image.render"
	if strings.TrimSpace(prompt) == "" {
		return nil, errdefs.New(errdefs.ErrValidation, op, "prompt cannot be empty")
	}
	ctx, span := telemetry.StartSpan(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("image.model", g.imageModel),
			attribute.Int("image.width", g.width),
			attribute.Int("image.height", g.height),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	var encoded string
	err = g.guard.Do(ctx, func(ctx context.Context) error {
		resp, err := g.client.Images.Generate(ctx, openaisdk.ImageGenerateParams{
			Prompt:         prompt,
			Model:          openaisdk.ImageModel(g.imageModel),
			N:              openaisdk.Int(1),
			ResponseFormat: openaisdk.ImageGenerateParamsResponseFormatB64JSON,
		},
			option.WithJSONSet("width", g.width),
			option.WithJSONSet("height", g.height),
			option.WithJSONSet("steps", g.steps),
		)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("no image data in response")
		}
		encoded = resp.Data[0].B64JSON
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
	}
	if encoded == "" {
		return nil, errdefs.New(errdefs.ErrImageGeneration, op, "image payload is empty")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrImageGeneration, op, fmt.Errorf("decode image: %w", err))
	}
	if outputPath != "" {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
		}
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrImageGeneration, op, err)
		}
	}
	return data, nil
}
