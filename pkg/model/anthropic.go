package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/telemetry"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures the Claude backend.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	HTTPClient  *http.Client
	Temperature *float64
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type anthropicModel struct {
	msgs        anthropicMessages
	model       string
	maxTokens   int
	maxRetries  int
	temperature *float64
}

// NewAnthropic builds a Model on anthropic-sdk-go. Retries are handled here
// rather than by the SDK so that both backends share the same policy.
func NewAnthropic(cfg AnthropicConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropicsdk.NewClient(opts...)
	m := &anthropicModel{
		msgs:        &client.Messages,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		temperature: cfg.Temperature,
	}
	if m.model == "" {
		m.model = string(anthropicsdk.ModelClaudeSonnet4_5)
	}
	if m.maxTokens <= 0 {
		m.maxTokens = defaultAnthropicMaxTokens
	}
	if m.maxRetries < 0 {
		m.maxRetries = 0
	}
	return m, nil
}

func (m *anthropicModel) Complete(ctx context.Context, req Request) (_ *Response, err error) {
	params, err := m.buildParams(req)
	if err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
			attribute.String("llm.model", string(params.Model)),
			attribute.Bool("llm.structured", req.Schema != nil),
			attribute.Int("llm.messages", len(req.Messages)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	var msg *anthropicsdk.Message
	err = doWithRetry(ctx, m.maxRetries, func(ctx context.Context) error {
		var callErr error
		msg, callErr = m.msgs.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	if msg == nil {
		return nil, ErrEmptyResponse
	}

	content := collectText(msg)
	if req.Schema != nil {
		input := extractToolInput(*msg, req.Schema.Name)
		if input == nil {
			return nil, fmt.Errorf("anthropic structured output %s: %w", req.Schema.Name, ErrEmptyResponse)
		}
		content = string(input)
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		Message:    Message{Role: RoleAssistant, Content: content},
		Usage:      Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
		StopReason: string(msg.StopReason),
	}, nil
}

func (m *anthropicModel) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	modelName := m.model
	if req.Model != "" {
		modelName = req.Model
	}
	maxTokens := m.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	system, messages := convertAnthropicMessages(req.System, req.Messages)
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  messages,
	}
	temperature := m.temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		params.Temperature = anthropicsdk.Float(*temperature)
	}
	if req.Schema != nil {
		schema, err := encodeSchema(req.Schema.Parameters)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, fmt.Errorf("anthropic schema %s: %w", req.Schema.Name, err)
		}
		tool := anthropicsdk.ToolParam{Name: req.Schema.Name, InputSchema: schema}
		if req.Schema.Description != "" {
			tool.Description = anthropicsdk.String(req.Schema.Description)
		}
		params.Tools = []anthropicsdk.ToolUnionParam{{OfTool: &tool}}
		params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{
			OfTool: &anthropicsdk.ToolChoiceToolParam{Name: req.Schema.Name},
		}
	}
	return params, nil
}

func convertAnthropicMessages(system string, msgs []Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var blocks []anthropicsdk.TextBlockParam
	if strings.TrimSpace(system) != "" {
		blocks = append(blocks, anthropicsdk.TextBlockParam{Text: system})
	}
	params := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role == RoleSystem {
			if text := msg.Text(); strings.TrimSpace(text) != "" {
				blocks = append(blocks, anthropicsdk.TextBlockParam{Text: text})
			}
			continue
		}
		content := anthropicContent(msg)
		if role == RoleAssistant {
			params = append(params, anthropicsdk.NewAssistantMessage(content...))
			continue
		}
		params = append(params, anthropicsdk.NewUserMessage(content...))
	}
	if len(params) == 0 {
		// The API rejects an empty message list.
		params = append(params, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(".")))
	}
	return blocks, params
}

func anthropicContent(msg Message) []anthropicsdk.ContentBlockParamUnion {
	var blocks []anthropicsdk.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case PartImage:
			if mediaType, data, ok := parseDataURL(part.ImageURL); ok {
				blocks = append(blocks, anthropicsdk.NewImageBlockBase64(mediaType, data))
				continue
			}
			blocks = append(blocks, anthropicsdk.NewImageBlock(anthropicsdk.URLImageSourceParam{URL: part.ImageURL}))
		default:
			if part.Text != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(part.Text))
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock("."))
	}
	return blocks
}

func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 || mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

func encodeSchema(params map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if params == nil {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("marshal schema: %w", err)
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	return schema, nil
}

func collectText(msg *anthropicsdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func extractToolInput(msg anthropicsdk.Message, name string) json.RawMessage {
	for _, block := range msg.Content {
		if block.Type == "tool_use" && (name == "" || block.Name == name) && len(block.Input) > 0 {
			return block.Input
		}
	}
	return nil
}
