package companion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/image"
	"github.com/cexll/companion/pkg/memory"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/workflow"
)

type fakeModel struct {
	mu       sync.Mutex
	route    string
	analysis string
	reply    string
	summary  string
	replyErr error
	requests []model.Request
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	var content string
	switch {
	case req.Schema != nil && req.Schema.Name == routerSchema.Name:
		content = fmt.Sprintf(`{"response_type": %q}`, f.route)
	case req.Schema != nil:
		content = f.analysis
	case req.System == "":
		content = f.summary
	default:
		if f.replyErr != nil {
			return nil, f.replyErr
		}
		content = f.reply
	}
	return &model.Response{Message: model.AssistantMessage(content)}, nil
}

func (f *fakeModel) count(pred func(model.Request) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if pred(r) {
			n++
		}
	}
	return n
}

func isRouting(r model.Request) bool { return r.Schema != nil && r.Schema.Name == routerSchema.Name }
func isReply(r model.Request) bool   { return r.Schema == nil && r.System != "" }
func isSummary(r model.Request) bool { return r.Schema == nil && r.System == "" }

type fakeMemory struct {
	extracted []model.Message
	queries   []string
	memories  []string
}

func (f *fakeMemory) ExtractAndStore(_ context.Context, msg model.Message) error {
	f.extracted = append(f.extracted, msg)
	return nil
}

func (f *fakeMemory) RelevantMemories(_ context.Context, query string, _ int) ([]string, error) {
	f.queries = append(f.queries, query)
	return f.memories, nil
}

type fixedSchedule string

func (s fixedSchedule) Activity(time.Time) (string, bool) { return string(s), s != "" }

type fakeImages struct {
	scenario image.Scenario
	rendered []string
	history  []model.Message
}

func (f *fakeImages) CreateScenario(_ context.Context, history []model.Message) (image.Scenario, error) {
	f.history = history
	return f.scenario, nil
}

func (f *fakeImages) EnhancePrompt(_ context.Context, prompt string) (string, error) {
	return prompt + ", golden hour", nil
}

func (f *fakeImages) Render(_ context.Context, _ string, path string) ([]byte, error) {
	f.rendered = append(f.rendered, path)
	return []byte("png"), nil
}

type fakeSpeech struct{ texts []string }

func (f *fakeSpeech) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.texts = append(f.texts, text)
	return []byte("mp3:" + text), nil
}

type turnRecorder struct {
	turns []string
	nodes []string
}

func (r *turnRecorder) ObserveNode(node string, _ time.Duration, _ error) { r.nodes = append(r.nodes, node) }
func (r *turnRecorder) ObserveTurn(wf string, _ time.Duration, _ error)   { r.turns = append(r.turns, wf) }

var fixedNow = time.Date(2025, time.January, 6, 14, 5, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg Config, deps Dependencies, opts ...Option) *Engine {
	t.Helper()
	if deps.Schedule == nil {
		deps.Schedule = fixedSchedule("")
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	e, err := NewEngine(cfg, deps, opts...)
	require.NoError(t, err)
	return e
}

func userMessages(n int) []model.Message {
	msgs := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return msgs
}

func TestRunEmptyStateSkipsRoutingAndMemory(t *testing.T) {
	m := &fakeModel{reply: "Hey! What's your name?"}
	mem := &fakeMemory{}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: mem})

	out, err := e.Run(context.Background(), &State{})
	require.NoError(t, err)

	assert.Empty(t, mem.extracted)
	assert.Empty(t, mem.queries)
	assert.Zero(t, m.count(isRouting))
	assert.Equal(t, "", out.MemoryContext)
	assert.Equal(t, WorkflowUnset, out.Workflow)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, model.RoleAssistant, out.Messages[0].Role)
}

func TestExtractMemorySkipsNonHumanMessages(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "ok"}
	mem := &fakeMemory{}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: mem})

	_, err := e.Run(context.Background(), &State{Messages: []model.Message{model.AssistantMessage("hi there")}})
	require.NoError(t, err)
	assert.Empty(t, mem.extracted)
	assert.Len(t, mem.queries, 1)
}

func TestRoutingRejectsUnrecognizedLabels(t *testing.T) {
	for _, label := range []string{"video", ""} {
		t.Run("label="+label, func(t *testing.T) {
			m := &fakeModel{route: label, reply: "never"}
			e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}})
			in := &State{Messages: []model.Message{model.UserMessage("show me a movie")}}

			out, err := e.Run(context.Background(), in)
			require.ErrorIs(t, err, errdefs.ErrRouting)
			assert.Nil(t, out)
			assert.Zero(t, m.count(isReply))
			assert.Len(t, in.Messages, 1)
			assert.Equal(t, WorkflowUnset, in.Workflow)
		})
	}
}

func TestRouterUsesRecentWindow(t *testing.T) {
	m := &fakeModel{route: " Conversation ", reply: "sure"}
	e := newTestEngine(t, Config{RouterMessagesToAnalyze: 2}, Dependencies{Model: m, Memory: &fakeMemory{}})

	out, err := e.Run(context.Background(), &State{Messages: userMessages(5)})
	require.NoError(t, err)
	assert.Equal(t, WorkflowConversation, out.Workflow)

	for _, r := range m.requests {
		if isRouting(r) {
			require.Len(t, r.Messages, 2)
			assert.Equal(t, "message 4", r.Messages[1].Content)
			assert.InDelta(t, 0.3, *r.Temperature, 1e-9)
		}
	}
}

func TestDispatchRejectsUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, Config{}, Dependencies{Model: &fakeModel{}, Memory: &fakeMemory{}})
	g := workflow.NewGraph()
	require.NoError(t, g.AddNode(workflow.NewDecision(NodeDispatch, e.dispatch)))
	require.NoError(t, g.AddNode(workflow.NewAction(NodeConversation, nil)))
	require.NoError(t, g.SetStart(NodeDispatch))

	st := &State{Workflow: Workflow("video")}
	err := workflow.NewExecutor(g, workflow.WithInitialData(map[string]any{stateKey: st})).Run(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrRouting)
}

func TestInjectContextTracksActivityChanges(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "ok"}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}, Schedule: fixedSchedule("Painting at the studio")})
	msgs := []model.Message{model.UserMessage("what are you up to?")}

	out, err := e.Run(context.Background(), &State{Messages: msgs, CurrentActivity: "Sleeping"})
	require.NoError(t, err)
	assert.True(t, out.ApplyActivity)
	assert.Equal(t, "Painting at the studio", out.CurrentActivity)

	out.Messages = append(out.Messages, model.UserMessage("cool"))
	out, err = e.Run(context.Background(), out)
	require.NoError(t, err)
	assert.False(t, out.ApplyActivity)

	last := m.requests[len(m.requests)-1]
	assert.Contains(t, last.System, "Painting at the studio")
}

func TestInjectMemoryFormatsBullets(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "ok"}
	mem := &fakeMemory{memories: []string{"Name is Ada", "Loves hiking"}}
	e := newTestEngine(t, Config{MemoryTopK: 2}, Dependencies{Model: m, Memory: mem})

	out, err := e.Run(context.Background(), &State{Messages: userMessages(7)})
	require.NoError(t, err)
	assert.Equal(t, "- Name is Ada\n- Loves hiking", out.MemoryContext)
	require.Len(t, mem.queries, 1)
	assert.Equal(t, "message 2 message 3 message 4 message 5 message 6", mem.queries[0])
	assert.Contains(t, m.requests[len(m.requests)-1].System, "- Loves hiking")
}

func TestSummarizationBoundary(t *testing.T) {
	cases := []struct {
		name      string
		input     int
		summarize bool
	}{
		{"twenty messages stay", 19, false},
		{"twenty-one messages summarize", 20, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeModel{route: "conversation", reply: "ok", summary: "They talked about school."}
			e := newTestEngine(t, Config{SummaryTrigger: 20, MessagesAfterSummary: 5}, Dependencies{Model: m, Memory: &fakeMemory{}})

			out, err := e.Run(context.Background(), &State{Messages: userMessages(tc.input)})
			require.NoError(t, err)
			if tc.summarize {
				assert.Len(t, out.Messages, 5)
				assert.Equal(t, "They talked about school.", out.Summary)
				assert.Equal(t, "ok", out.Messages[4].Content)
				assert.Equal(t, 1, m.count(isSummary))
			} else {
				assert.Len(t, out.Messages, 20)
				assert.Empty(t, out.Summary)
				assert.Zero(t, m.count(isSummary))
			}
		})
	}
}

func TestSummaryExtendsPreviousSummary(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "ok", summary: "new summary"}
	e := newTestEngine(t, Config{SummaryTrigger: 2, MessagesAfterSummary: 1}, Dependencies{Model: m, Memory: &fakeMemory{}})

	out, err := e.Run(context.Background(), &State{Messages: userMessages(3), Summary: "User is Ada."})
	require.NoError(t, err)
	assert.Equal(t, "new summary", out.Summary)

	var prompt string
	for _, r := range m.requests {
		if isSummary(r) {
			prompt = r.Messages[0].Content
		}
	}
	assert.Contains(t, prompt, "User is Ada.")
	assert.Contains(t, prompt, "user: message 0\nassistant: message 1")
}

func TestImageBranch(t *testing.T) {
	m := &fakeModel{route: "image", reply: "*smiles* Here's the view from my window!"}
	images := &fakeImages{scenario: image.Scenario{Narrative: "I'm home", ImagePrompt: "city skyline at dusk"}}
	dir := t.TempDir()
	e := newTestEngine(t, Config{CharacterName: "Ava", ImageDir: dir}, Dependencies{Model: m, Memory: &fakeMemory{}, Images: images})

	out, err := e.Run(context.Background(), &State{Messages: userMessages(7)})
	require.NoError(t, err)

	require.Len(t, out.Messages, 9)
	note := out.Messages[7]
	assert.Equal(t, model.RoleUser, note.Role)
	assert.Equal(t, "<image attached by Ava generated from prompt: city skyline at dusk>", note.Content)
	assert.Equal(t, model.AssistantMessage("Here's the view from my window!"), out.Messages[8])

	assert.NotEmpty(t, out.ImagePath)
	assert.Equal(t, dir, filepath.Dir(out.ImagePath))
	assert.True(t, strings.HasPrefix(filepath.Base(out.ImagePath), "image_"))
	assert.Equal(t, []string{out.ImagePath}, images.rendered)
	assert.Len(t, images.history, 5)
	assert.Nil(t, out.AudioBuffer)
}

func TestImageBranchEnhancesPrompt(t *testing.T) {
	m := &fakeModel{route: "image", reply: "look"}
	images := &fakeImages{scenario: image.Scenario{ImagePrompt: "a beach"}}
	e := newTestEngine(t, Config{ImageDir: t.TempDir(), EnhanceImagePrompts: true}, Dependencies{Model: m, Memory: &fakeMemory{}, Images: images})

	out, err := e.Run(context.Background(), &State{Messages: []model.Message{model.UserMessage("send a pic")}})
	require.NoError(t, err)
	assert.Contains(t, out.Messages[1].Content, "a beach, golden hour")
}

func TestAudioBranch(t *testing.T) {
	m := &fakeModel{route: "audio", reply: "*laughs* Sure, here's my voice!"}
	speech := &fakeSpeech{}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}, Speech: speech})

	out, err := e.Run(context.Background(), &State{Messages: []model.Message{model.UserMessage("send me a voice note")}})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "Sure, here's my voice!", out.Messages[1].Content)
	assert.Equal(t, []string{"Sure, here's my voice!"}, speech.texts)
	assert.Equal(t, []byte("mp3:Sure, here's my voice!"), out.AudioBuffer)
	assert.Empty(t, out.ImagePath)
}

func TestBranchWithoutCollaboratorFails(t *testing.T) {
	m := &fakeModel{route: "audio", reply: "hi"}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}})
	_, err := e.Run(context.Background(), &State{Messages: []model.Message{model.UserMessage("talk to me")}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestFailedTurnLeavesStateUntouched(t *testing.T) {
	boom := errors.New("upstream unavailable")
	m := &fakeModel{route: "conversation", replyErr: boom}
	rec := &turnRecorder{}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}}, WithMetrics(rec))
	in := &State{Messages: []model.Message{model.UserMessage("hello")}, CurrentActivity: "Reading"}

	out, err := e.Run(context.Background(), in)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, out)
	assert.Len(t, in.Messages, 1)
	assert.Equal(t, "Reading", in.CurrentActivity)
	assert.False(t, in.ApplyActivity)
	assert.Equal(t, []string{"conversation"}, rec.turns)
	assert.Equal(t, NodeConversation, rec.nodes[len(rec.nodes)-1])
}

func TestRunClearsPreviousArtifacts(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "ok"}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}})
	in := &State{
		Messages:    []model.Message{model.UserMessage("again")},
		ImagePath:   "old.png",
		AudioBuffer: []byte("old"),
		Workflow:    WorkflowImage,
	}
	out, err := e.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out.ImagePath)
	assert.Nil(t, out.AudioBuffer)
	assert.Equal(t, WorkflowConversation, out.Workflow)
	assert.Equal(t, "old.png", in.ImagePath)
}

func TestConversationEndToEnd(t *testing.T) {
	m := &fakeModel{
		route:    "conversation",
		analysis: `{"is_important": true, "formatted_memory": "Studied computer science at MIT"}`,
		reply:    "MIT, nice! What got you into CS?",
	}
	store, err := memory.NewStore(memory.NewInMemoryIndex(), &memory.StaticEmbedder{Vector: []float64{0.3, 0.9}})
	require.NoError(t, err)
	manager := memory.NewManager(store, memory.NewModelAnalyzer(m))
	rec := &turnRecorder{}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: manager}, WithMetrics(rec))

	out, err := e.Run(context.Background(), &State{Messages: []model.Message{model.UserMessage("I study computer science at MIT")}})
	require.NoError(t, err)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, model.RoleAssistant, out.Messages[1].Role)
	assert.Equal(t, WorkflowConversation, out.Workflow)
	assert.Empty(t, out.ImagePath)
	assert.Nil(t, out.AudioBuffer)
	assert.Equal(t, "- Studied computer science at MIT", out.MemoryContext)

	hits, err := store.Search(context.Background(), "Studied computer science at MIT", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Studied computer science at MIT", hits[0].Text)

	assert.Equal(t, []string{
		NodeExtractMemory, NodeRoute, NodeInjectContext, NodeInjectMemory,
		NodeDispatch, NodeConversation, NodeMaybeSummarize,
	}, rec.nodes)
	assert.Equal(t, []string{"conversation"}, rec.turns)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{}, Dependencies{})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = NewEngine(Config{}, Dependencies{Model: &fakeModel{}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = NewEngine(Config{}, Dependencies{Model: &fakeModel{}, Memory: &fakeMemory{}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
