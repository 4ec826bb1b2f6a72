package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/companion/pkg/telemetry"
)

const defaultOpenAIBatchSize = 32

// OpenAIEmbedderOption customizes embedding behaviour.
type OpenAIEmbedderOption func(*openAIEmbedderConfig)

type openAIEmbedderConfig struct {
	batchSize   int
	dimensions  int
	requestOpts []option.RequestOption
}

// WithOpenAIEmbedderBatchSize overrides the batch size (default 32).
func WithOpenAIEmbedderBatchSize(size int) OpenAIEmbedderOption {
	return func(cfg *openAIEmbedderConfig) {
		cfg.batchSize = size
	}
}

// WithOpenAIEmbedderDimensions truncates embeddings to the provided size when supported.
func WithOpenAIEmbedderDimensions(dim int) OpenAIEmbedderOption {
	return func(cfg *openAIEmbedderConfig) {
		cfg.dimensions = dim
	}
}

// WithOpenAIEmbedderOptions injects additional request options (base URL, retries).
func WithOpenAIEmbedderOptions(opts ...option.RequestOption) OpenAIEmbedderOption {
	return func(cfg *openAIEmbedderConfig) {
		cfg.requestOpts = append(cfg.requestOpts, opts...)
	}
}

// OpenAIEmbedder embeds text through any OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client    openaisdk.Client
	model     openaisdk.EmbeddingModel
	batchSize int
	dims      int
}

// NewOpenAIEmbedder creates an embedder backed by the embeddings API.
func NewOpenAIEmbedder(apiKey, model string, opts ...OpenAIEmbedderOption) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("openai embedder: model is required")
	}
	cfg := openAIEmbedderConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, cfg.requestOpts...)
	emb := &OpenAIEmbedder{
		client:    openaisdk.NewClient(reqOpts...),
		model:     openaisdk.EmbeddingModel(model),
		batchSize: cfg.batchSize,
		dims:      cfg.dimensions,
	}
	if emb.batchSize <= 0 {
		emb.batchSize = defaultOpenAIBatchSize
	}
	return emb, nil
}

// Embed converts texts into vectors, batching requests.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) (_ [][]float64, err error) {
	if e == nil {
		return nil, errors.New("openai embedder is nil")
	}
	if len(texts) == 0 {
		return nil, errors.New("openai embedder: no texts provided")
	}
	ctx, span := telemetry.StartSpan(ctx, "memory.embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("embedding.model", string(e.model)),
			attribute.Int("embedding.inputs", len(texts)),
		)...),
	)
	defer telemetry.EndSpan(span, err)

	result := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.batchSize, len(texts))
		chunk := texts[start:end]
		params := openaisdk.EmbeddingNewParams{
			Model: e.model,
			Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: chunk},
		}
		if e.dims > 0 {
			params.Dimensions = openaisdk.Int(int64(e.dims))
		}
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai embed request: %w", err)
		}
		if len(resp.Data) != len(chunk) {
			return nil, fmt.Errorf("openai embedder: expected %d vectors got %d", len(chunk), len(resp.Data))
		}
		ordered := make([][]float64, len(chunk))
		for _, data := range resp.Data {
			if data.Index < 0 || int(data.Index) >= len(chunk) {
				return nil, fmt.Errorf("openai embedder: index %d out of range", data.Index)
			}
			ordered[data.Index] = append([]float64(nil), data.Embedding...)
		}
		result = append(result, ordered...)
	}
	return result, nil
}
