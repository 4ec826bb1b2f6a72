// Package telemetry wraps OpenTelemetry tracing for companion components.
package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/cexll/companion"

	maxAttributeLength = 256
)

// sensitiveSegments are matched against whole key segments, so "llm.max_tokens"
// stays visible while "auth.token" is masked.
var sensitiveSegments = map[string]bool{
	"apikey":        true,
	"authorization": true,
	"token":         true,
	"secret":        true,
	"password":      true,
}

// Config controls tracer provider installation.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector address (host:port). Empty disables export.
	Endpoint string
	Insecure bool
}

// ShutdownFunc flushes and stops the installed provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global tracer provider exporting over OTLP/HTTP.
// When cfg.Endpoint is empty the global no-op provider is left in place.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "companion"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartSpan opens a span on the package tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SanitizeAttributes drops empty keys, masks credential-like keys and
// truncates long string values.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if strings.TrimSpace(key) == "" {
			continue
		}
		if isSensitive(key) {
			out = append(out, attribute.String(key, "[redacted]"))
			continue
		}
		if kv.Value.Type() == attribute.STRING {
			val := kv.Value.AsString()
			if len(val) > maxAttributeLength {
				val = truncate(val, maxAttributeLength) + "..."
			}
			out = append(out, attribute.String(key, val))
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isSensitive(key string) bool {
	segments := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	for i, seg := range segments {
		if sensitiveSegments[seg] {
			return true
		}
		if seg == "api" && i+1 < len(segments) && segments[i+1] == "key" {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
