package image

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

type scriptedModel struct {
	reply    string
	err      error
	requests []model.Request
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &model.Response{Message: model.AssistantMessage(m.reply)}, nil
}

func newTestGenerator(t *testing.T, m model.Model, baseURL string) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{Model: m, APIKey: "together", BaseURL: baseURL})
	require.NoError(t, err)
	return g
}

func TestCreateScenarioUsesRecentHistory(t *testing.T) {
	m := &scriptedModel{reply: "```json\n{\"narrative\":\"I'm at the beach\",\"image_prompt\":\"sunset over waves\"}\n```"}
	g := newTestGenerator(t, m, "http://unused")

	history := []model.Message{
		model.UserMessage("one"),
		model.AssistantMessage("two"),
		model.UserMessage("three"),
		model.AssistantMessage("four"),
		model.UserMessage("five"),
		model.AssistantMessage("six"),
	}
	scenario, err := g.CreateScenario(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "I'm at the beach", scenario.Narrative)
	assert.Equal(t, "sunset over waves", scenario.ImagePrompt)

	require.Len(t, m.requests, 1)
	req := m.requests[0]
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.4, *req.Temperature, 1e-9)
	assert.Equal(t, scenarioSchema, req.Schema)
	prompt := req.Messages[0].Content
	assert.NotContains(t, prompt, "user: one")
	assert.Contains(t, prompt, "assistant: two")
	assert.Contains(t, prompt, "assistant: six")
}

func TestCreateScenarioFailures(t *testing.T) {
	g := newTestGenerator(t, &scriptedModel{err: errors.New("boom")}, "http://unused")
	_, err := g.CreateScenario(context.Background(), nil)
	assert.ErrorIs(t, err, errdefs.ErrImageGeneration)

	g = newTestGenerator(t, &scriptedModel{reply: `{"narrative":"x","image_prompt":" "}`}, "http://unused")
	_, err = g.CreateScenario(context.Background(), nil)
	assert.ErrorIs(t, err, errdefs.ErrImageGeneration)
}

func TestEnhancePrompt(t *testing.T) {
	m := &scriptedModel{reply: `{"content":"a golden retriever on a misty pier, 35mm"}`}
	g := newTestGenerator(t, m, "http://unused")

	out, err := g.EnhancePrompt(context.Background(), "a dog on a pier")
	require.NoError(t, err)
	assert.Equal(t, "a golden retriever on a misty pier, 35mm", out)
	assert.InDelta(t, 0.25, *m.requests[0].Temperature, 1e-9)

	_, err = g.EnhancePrompt(context.Background(), "")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestRenderWritesImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer together", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	}))
	defer server.Close()

	g := newTestGenerator(t, &scriptedModel{}, server.URL)
	path := filepath.Join(t.TempDir(), "nested", "image_test.png")

	data, err := g.Render(context.Background(), "sunset over waves", path)
	require.NoError(t, err)
	assert.Equal(t, png, data)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, png, written)

	assert.Equal(t, "sunset over waves", body["prompt"])
	assert.Equal(t, defaultImageModel, body["model"])
	assert.Equal(t, "b64_json", body["response_format"])
	assert.EqualValues(t, 1024, body["width"])
	assert.EqualValues(t, 768, body["height"])
	assert.EqualValues(t, 4, body["steps"])
}

func TestRenderEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[]}`))
	}))
	defer server.Close()

	g := newTestGenerator(t, &scriptedModel{}, server.URL)
	_, err := g.Render(context.Background(), "anything", "")
	assert.ErrorIs(t, err, errdefs.ErrImageGeneration)

	_, err = g.Render(context.Background(), " ", "")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	_, err := NewGenerator(GeneratorConfig{Model: &scriptedModel{}})
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.True(t, strings.Contains(err.Error(), "TOGETHER_API_KEY"))
}

func TestDescribeSendsDataURL(t *testing.T) {
	m := &scriptedModel{reply: "  A cat sleeping on a windowsill.  "}
	a, err := NewAnalyzer(m, "llama-vision")
	require.NoError(t, err)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	text, err := a.Describe(context.Background(), png, "")
	require.NoError(t, err)
	assert.Equal(t, "A cat sleeping on a windowsill.", text)

	req := m.requests[0]
	assert.Equal(t, "llama-vision", req.Model)
	msg := req.Messages[0]
	assert.Equal(t, describePrompt, msg.Content)
	require.Len(t, msg.Parts, 1)
	assert.True(t, strings.HasPrefix(msg.Parts[0].ImageURL, "data:image/png;base64,"))
}

func TestDescribeErrors(t *testing.T) {
	a, err := NewAnalyzer(&scriptedModel{reply: "   "}, "")
	require.NoError(t, err)

	_, err = a.Describe(context.Background(), nil, "")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	_, err = a.Describe(context.Background(), []byte("x"), "")
	assert.ErrorIs(t, err, errdefs.ErrImageAnalysis)

	a, err = NewAnalyzer(&scriptedModel{err: errors.New("vision down")}, "")
	require.NoError(t, err)
	_, err = a.Describe(context.Background(), []byte("x"), "what is this")
	assert.ErrorIs(t, err, errdefs.ErrImageAnalysis)

	_, err = NewAnalyzer(nil, "")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
