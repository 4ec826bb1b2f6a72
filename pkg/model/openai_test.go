package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatServer(t *testing.T, content string, capture *map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if capture != nil {
			*capture = payload
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   payload["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 5, "total_tokens": 12},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAICompleteSendsMessages(t *testing.T) {
	var seen map[string]any
	server := newChatServer(t, "hello back", &seen)

	mdl, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "llama-3.3-70b-versatile", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := mdl.Complete(context.Background(), Request{
		System:      "persona",
		Messages:    []Message{UserMessage("hi"), AssistantMessage("yo"), UserMessage("how are you")},
		Temperature: Temperature(0.3),
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", resp.Message.Content)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 5, TotalTokens: 12}, resp.Usage)
	assert.Equal(t, "stop", resp.StopReason)

	assert.Equal(t, "llama-3.3-70b-versatile", seen["model"])
	assert.InDelta(t, 0.3, seen["temperature"], 1e-9)
	msgs, ok := seen["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
}

func TestOpenAIStructuredOutputUsesJSONSchema(t *testing.T) {
	var seen map[string]any
	server := newChatServer(t, "```json\n{\"response_type\":\"audio\"}\n```", &seen)

	mdl, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)

	resp, err := mdl.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("send a voice note")},
		Schema:   MustSchema[routeDecision]("route", "workflow"),
	})
	require.NoError(t, err)

	format, ok := seen["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing: %+v", seen)
	assert.Equal(t, "json_schema", format["type"])
	jsonSchema := format["json_schema"].(map[string]any)
	assert.Equal(t, "route", jsonSchema["name"])

	var out routeDecision
	require.NoError(t, Decode(resp, &out))
	assert.Equal(t, "audio", out.ResponseType)
}

func TestOpenAIJSONObjectModeEmbedsSchema(t *testing.T) {
	var seen map[string]any
	server := newChatServer(t, `{"response_type":"conversation"}`, &seen)

	mdl, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "m", JSONObjectMode: true})
	require.NoError(t, err)

	_, err = mdl.Complete(context.Background(), Request{
		System:   "route it",
		Messages: []Message{UserMessage("hi")},
		Schema:   MustSchema[routeDecision]("route", ""),
	})
	require.NoError(t, err)

	format := seen["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
	system := seen["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, "route it")
	assert.Contains(t, system, "response_type")
}

func TestOpenAIMultimodalUserMessage(t *testing.T) {
	var seen map[string]any
	server := newChatServer(t, "a cat", &seen)

	mdl, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL, Model: "vision"})
	require.NoError(t, err)

	_, err = mdl.Complete(context.Background(), Request{Messages: []Message{{
		Role:    RoleUser,
		Content: "what is this",
		Parts:   []ContentPart{{Type: PartImage, ImageURL: "data:image/png;base64,AAAA"}},
	}}})
	require.NoError(t, err)

	content := seen["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	assert.Equal(t, "image_url", content[1].(map[string]any)["type"])
}

func TestNewOpenAIValidates(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{Model: "m"})
	assert.Error(t, err)
	_, err = NewOpenAI(OpenAIConfig{APIKey: "k"})
	assert.Error(t, err)
}
