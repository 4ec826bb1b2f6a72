package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/telemetry"
)

// OpenAIConfig configures an OpenAI-compatible chat backend (OpenAI, Groq,
// Together and similar gateways).
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	HTTPClient *http.Client
	// Temperature applies when a request leaves it unset.
	Temperature *float64
	// JSONObjectMode requests json_object output and embeds the schema in the
	// system prompt, for gateways without json_schema support.
	JSONObjectMode bool
}

type chatCompletions interface {
	New(ctx context.Context, body openaisdk.ChatCompletionNewParams, opts ...option.RequestOption) (*openaisdk.ChatCompletion, error)
}

type openaiModel struct {
	completions chatCompletions
	model       string
	maxTokens   int
	temperature *float64
	jsonObject  bool
}

// NewOpenAI builds a Model on the official openai-go SDK.
func NewOpenAI(cfg OpenAIConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	client := openaisdk.NewClient(opts...)
	return &openaiModel{
		completions: &client.Chat.Completions,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		jsonObject:  cfg.JSONObjectMode,
	}, nil
}

func (m *openaiModel) Complete(ctx context.Context, req Request) (_ *Response, err error) {
	modelName := m.model
	if req.Model != "" {
		modelName = req.Model
	}
	ctx, span := telemetry.StartSpan(ctx, "model.openai.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "openai"),
			attribute.String("llm.model", modelName),
			attribute.Bool("llm.structured", req.Schema != nil),
			attribute.Int("llm.messages", len(req.Messages)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	params := m.buildParams(modelName, req)
	completion, err := m.completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := completion.Choices[0]
	return &Response{
		Message: Message{Role: RoleAssistant, Content: choice.Message.Content},
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
		StopReason: string(choice.FinishReason),
	}, nil
}

func (m *openaiModel) buildParams(modelName string, req Request) openaisdk.ChatCompletionNewParams {
	system := req.System
	if req.Schema != nil && m.jsonObject {
		system = strings.TrimSpace(system + "\n\n" + schemaInstruction(req.Schema))
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelName),
		Messages: convertOpenAIMessages(system, req.Messages),
	}
	maxTokens := m.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(maxTokens))
	}
	temperature := m.temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		params.Temperature = openaisdk.Float(*temperature)
	}
	if req.Schema != nil {
		if m.jsonObject {
			params.ResponseFormat = openaisdk.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		} else {
			jsonSchema := shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   req.Schema.Name,
				Schema: req.Schema.Parameters,
			}
			if req.Schema.Description != "" {
				jsonSchema.Description = openaisdk.String(req.Schema.Description)
			}
			params.ResponseFormat = openaisdk.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: jsonSchema},
			}
		}
	}
	return params
}

func convertOpenAIMessages(system string, msgs []Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, openaisdk.SystemMessage(system))
	}
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case RoleSystem:
			out = append(out, openaisdk.SystemMessage(msg.Text()))
		case RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(msg.Text()))
		default:
			if len(msg.Parts) == 0 {
				out = append(out, openaisdk.UserMessage(msg.Content))
				continue
			}
			out = append(out, openaisdk.UserMessage(convertOpenAIParts(msg)))
		}
	}
	return out
}

func convertOpenAIParts(msg Message) []openaisdk.ChatCompletionContentPartUnionParam {
	parts := make([]openaisdk.ChatCompletionContentPartUnionParam, 0, len(msg.Parts)+1)
	if strings.TrimSpace(msg.Content) != "" {
		parts = append(parts, openaisdk.TextContentPart(msg.Content))
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case PartImage:
			parts = append(parts, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{URL: part.ImageURL}))
		default:
			parts = append(parts, openaisdk.TextContentPart(part.Text))
		}
	}
	return parts
}
