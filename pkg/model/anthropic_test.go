package model

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

type routeDecision struct {
	ResponseType string `json:"response_type"`
}

func TestAnthropicCompleteBuildsRequest(t *testing.T) {
	var seen anthropicsdk.MessageNewParams
	mock := &fakeMessages{
		newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			seen = params
			msg := anthropicsdk.Message{
				Role:    constant.Assistant("assistant"),
				Content: []anthropicsdk.ContentBlockUnion{{Type: "text", Text: "hey there"}},
				Usage:   anthropicsdk.Usage{InputTokens: 10, OutputTokens: 3},
			}
			msg.StopReason = "end_turn"
			return &msg, nil
		},
	}
	m := &anthropicModel{msgs: mock, model: "claude-test", maxTokens: 256}

	resp, err := m.Complete(context.Background(), Request{
		System: "be kind",
		Messages: []Message{
			{Role: RoleSystem, Content: "extra"},
			UserMessage("hello"),
			AssistantMessage("hi"),
			{Role: RoleUser, Content: "look", Parts: []ContentPart{{Type: PartImage, ImageURL: "data:image/png;base64,AAAA"}}},
		},
		MaxTokens:   64,
		Temperature: Temperature(0.7),
	})
	if err != nil {
		t.Fatalf("complete returned error: %v", err)
	}
	if got := int(seen.MaxTokens); got != 64 {
		t.Fatalf("max tokens mismatch: %d", got)
	}
	if len(seen.System) != 2 {
		t.Fatalf("expected 2 system blocks, got %d", len(seen.System))
	}
	if len(seen.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(seen.Messages))
	}
	if len(seen.Messages[2].Content) != 2 || seen.Messages[2].Content[1].OfImage == nil {
		t.Fatalf("image part not converted: %+v", seen.Messages[2].Content)
	}
	if seen.Temperature.Value != 0.7 {
		t.Fatalf("temperature not forwarded: %+v", seen.Temperature)
	}
	if resp.Message.Content != "hey there" || resp.Message.Role != RoleAssistant {
		t.Fatalf("unexpected message: %+v", resp.Message)
	}
	if resp.Usage.TotalTokens != 13 || resp.StopReason != "end_turn" {
		t.Fatalf("usage/stop mismatch: %+v %q", resp.Usage, resp.StopReason)
	}
}

func TestAnthropicStructuredOutputForcesTool(t *testing.T) {
	var seen anthropicsdk.MessageNewParams
	mock := &fakeMessages{
		newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			seen = params
			return &anthropicsdk.Message{
				Content: []anthropicsdk.ContentBlockUnion{
					{Type: "tool_use", ID: "call-1", Name: "route", Input: json.RawMessage(`{"response_type":"image"}`)},
				},
			}, nil
		},
	}
	m := &anthropicModel{msgs: mock, model: "claude-test", maxTokens: 32}
	schema := MustSchema[routeDecision]("route", "pick a workflow")

	resp, err := m.Complete(context.Background(), Request{Messages: []Message{UserMessage("draw me")}, Schema: schema})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(seen.Tools) != 1 || seen.Tools[0].OfTool == nil || seen.Tools[0].OfTool.Name != "route" {
		t.Fatalf("tool not attached: %+v", seen.Tools)
	}
	if seen.ToolChoice.OfTool == nil || seen.ToolChoice.OfTool.Name != "route" {
		t.Fatalf("tool choice not forced: %+v", seen.ToolChoice)
	}
	var out routeDecision
	if err := Decode(resp, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ResponseType != "image" {
		t.Fatalf("unexpected decision %+v", out)
	}
}

func TestAnthropicStructuredOutputMissingTool(t *testing.T) {
	mock := &fakeMessages{
		newFn: func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			return &anthropicsdk.Message{Content: []anthropicsdk.ContentBlockUnion{{Type: "text", Text: "no"}}}, nil
		},
	}
	m := &anthropicModel{msgs: mock, model: "claude-test", maxTokens: 32}
	_, err := m.Complete(context.Background(), Request{Schema: MustSchema[routeDecision]("route", "")})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestAnthropicRetryOnTransientError(t *testing.T) {
	calls := 0
	mock := &fakeMessages{
		newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
			calls++
			if calls == 1 {
				return nil, tempNetErr{}
			}
			return &anthropicsdk.Message{Content: []anthropicsdk.ContentBlockUnion{{Type: "text", Text: "ok"}}}, nil
		},
	}
	m := &anthropicModel{msgs: mock, model: "claude-test", maxTokens: 32, maxRetries: 1}
	resp, err := m.Complete(context.Background(), Request{Messages: []Message{UserMessage("ping")}})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if resp.Message.Content != "ok" {
		t.Fatalf("unexpected content: %q", resp.Message.Content)
	}
}

func TestDoWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := doWithRetry(ctx, 1, func(context.Context) error {
		calls++
		cancel()
		return tempNetErr{}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected context cancel from retry, got %v (calls=%d)", err, calls)
	}
}

func TestDoWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := doWithRetry(context.Background(), 3, func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt, got %v (calls=%d)", err, calls)
	}
}

func TestNewAnthropicDefaults(t *testing.T) {
	mdl, err := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: "http://example.com", HTTPClient: &http.Client{}, MaxRetries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	am := mdl.(*anthropicModel)
	if am.maxTokens != defaultAnthropicMaxTokens || am.maxRetries != 0 || am.model == "" {
		t.Fatalf("defaults not applied: %+v", am)
	}
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestEncodeSchema(t *testing.T) {
	if _, err := encodeSchema(map[string]any{"bad": func() {}}); err == nil {
		t.Fatal("expected encodeSchema to fail on non-marshalable value")
	}
	schema, err := encodeSchema(nil)
	if err != nil || schema.Type != "object" {
		t.Fatalf("encodeSchema default failed: %v %+v", err, schema)
	}
}

func TestParseDataURL(t *testing.T) {
	mediaType, data, ok := parseDataURL("data:image/jpeg;base64,QUJD")
	if !ok || mediaType != "image/jpeg" || data != "QUJD" {
		t.Fatalf("unexpected parse: %q %q %v", mediaType, data, ok)
	}
	if _, _, ok := parseDataURL("https://example.com/a.png"); ok {
		t.Fatal("http url should not parse as data url")
	}
}

type fakeMessages struct {
	newFn func(context.Context, anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)
}

func (f *fakeMessages) New(ctx context.Context, params anthropicsdk.MessageNewParams, _ ...option.RequestOption) (*anthropicsdk.Message, error) {
	if f.newFn == nil {
		return nil, errors.New("newFn not set")
	}
	return f.newFn(ctx, params)
}

type tempNetErr struct{}

func (tempNetErr) Error() string   { return "temp" }
func (tempNetErr) Timeout() bool   { return false }
func (tempNetErr) Temporary() bool { return true }

var _ net.Error = tempNetErr{}
