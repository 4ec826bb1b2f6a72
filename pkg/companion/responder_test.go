package companion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/model"
)

func TestStripEmphasis(t *testing.T) {
	cases := map[string]string{
		"*waves* Hello!":             "Hello!",
		"Hi *grins* there":           "Hi  there",
		"  plain reply  ":            "plain reply",
		"*only emphasis*":            "",
		"unterminated *star remains": "unterminated *star remains",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripEmphasis(in), in)
	}
}

func TestSystemPromptIncludesContext(t *testing.T) {
	r := NewResponder(&fakeModel{}, "Ava", time.FixedZone("WAT", 3600))
	prompt, err := r.SystemPrompt(fixedNow, &State{
		MemoryContext:   "- Name is Ada",
		CurrentActivity: "Painting",
		ApplyActivity:   true,
		Summary:         "Ada likes jazz.",
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "You are Ava")
	assert.Contains(t, prompt, "Monday, January 06, 2025 at 03:05 PM")
	assert.Contains(t, prompt, "- Name is Ada")
	assert.Contains(t, prompt, "Painting")
	assert.Contains(t, prompt, "just changed")
	assert.Contains(t, prompt, "Summary of the earlier conversation between Ava and the user: Ada likes jazz.")

	prompt, err = r.SystemPrompt(fixedNow, &State{})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "Summary of the earlier conversation")
	assert.Contains(t, prompt, "Only mention your current activity if the user asks")
}

func TestRespondUsesResponseTemperature(t *testing.T) {
	m := &fakeModel{reply: "Hi!"}
	r := NewResponder(m, "Ava", nil)
	text, err := r.Respond(context.Background(), fixedNow, &State{}, []model.Message{model.UserMessage("hey")})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", text)
	assert.InDelta(t, 0.7, *m.requests[0].Temperature, 1e-9)
}

func TestParseWorkflow(t *testing.T) {
	for _, label := range []string{"conversation", "IMAGE", " audio "} {
		w, err := ParseWorkflow(label)
		require.NoError(t, err)
		assert.True(t, w.Valid())
	}
	_, err := ParseWorkflow("text")
	assert.ErrorIs(t, err, errdefs.ErrRouting)
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, nil
}

type fakeDescriber struct {
	text string
	err  error
}

func (f fakeDescriber) Describe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

func TestPreprocessorMessage(t *testing.T) {
	p := NewPreprocessor(fakeTranscriber{text: "I got the job!"}, fakeDescriber{text: "A dog on a beach"})
	ctx := context.Background()

	msg, err := p.Message(ctx, Inbound{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.UserMessage("hello"), msg)

	msg, err = p.Message(ctx, Inbound{Audio: []byte("ogg"), AudioName: "note.ogg"})
	require.NoError(t, err)
	assert.Equal(t, "I got the job!", msg.Content)

	msg, err = p.Message(ctx, Inbound{Text: "my dog", Image: []byte("jpg")})
	require.NoError(t, err)
	assert.Equal(t, "my dog\n[Image Analysis: A dog on a beach]", msg.Content)

	_, err = p.Message(ctx, Inbound{})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestPreprocessorFailures(t *testing.T) {
	ctx := context.Background()
	_, err := NewPreprocessor(nil, nil).Message(ctx, Inbound{Audio: []byte("x")})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	analysisErr := errdefs.New(errdefs.ErrImageAnalysis, "image.describe", "boom")
	_, err = NewPreprocessor(nil, fakeDescriber{err: analysisErr}).Message(ctx, Inbound{Image: []byte("x")})
	assert.ErrorIs(t, err, errdefs.ErrImageAnalysis)
}

type mapStore struct {
	states map[string]*State
	saves  int
}

func (s *mapStore) Load(_ context.Context, id string) (*State, error) {
	st, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *mapStore) Save(_ context.Context, id string, st *State) error {
	s.saves++
	s.states[id] = st.Clone()
	return nil
}

func (s *mapStore) Delete(_ context.Context, id string) error {
	delete(s.states, id)
	return nil
}

func TestThreadsPersistAcrossTurns(t *testing.T) {
	m := &fakeModel{route: "conversation", reply: "hey"}
	e := newTestEngine(t, Config{}, Dependencies{Model: m, Memory: &fakeMemory{}})
	store := &mapStore{states: map[string]*State{}}
	threads := NewThreads(e, store)
	ctx := context.Background()

	_, err := threads.Send(ctx, "t1", model.UserMessage("hi"))
	require.NoError(t, err)
	out, err := threads.Send(ctx, "t1", model.UserMessage("how are you?"))
	require.NoError(t, err)
	assert.Len(t, out.Messages, 4)
	assert.Equal(t, "hey", out.Reply())

	other, err := threads.State(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, other.Messages)

	m.replyErr = errors.New("down")
	_, err = threads.Send(ctx, "t1", model.UserMessage("still there?"))
	require.Error(t, err)
	assert.Equal(t, 2, store.saves)
	kept, err := threads.State(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, kept.Messages, 4)

	require.NoError(t, threads.Reset(ctx, "t1"))
	kept, err = threads.State(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, kept.Messages)
}
