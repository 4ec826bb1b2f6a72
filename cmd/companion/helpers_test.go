package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/cexll/companion/pkg/checkpoint"
	"github.com/cexll/companion/pkg/companion"
	"github.com/cexll/companion/pkg/config"
	"github.com/cexll/companion/pkg/metrics"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/schedule"
)

// scriptedModel routes everything to conversation and answers with reply.
type scriptedModel struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	content := m.reply
	if req.Schema != nil && req.Schema.Name == "router_decision" {
		content = `{"response_type": "conversation"}`
	}
	return &model.Response{Message: model.AssistantMessage(content)}, nil
}

type nopMemory struct{}

func (nopMemory) ExtractAndStore(context.Context, model.Message) error { return nil }

func (nopMemory) RelevantMemories(context.Context, string, int) ([]string, error) {
	return nil, nil
}

type fakeReader struct {
	lines []string
}

func (r *fakeReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *fakeReader) Close() error { return nil }

// useTestApp replaces the wiring with an in-memory app and returns its store.
func useTestApp(t *testing.T, reply string) checkpoint.Store {
	t.Helper()
	keyring.MockInit()
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("EMBEDDING_API_KEY", "ek-test")
	t.Setenv("MEMORY_BACKEND", "memory")
	t.Setenv("CHECKPOINT_BACKEND", "memory")
	t.Setenv("TIMEZONE", "UTC")

	store := checkpoint.NewMemoryStore()
	original := appFactory
	appFactory = func(_ context.Context, s *config.Settings, logger *slog.Logger) (*app, error) {
		src, err := schedule.NewSource("", logger)
		if err != nil {
			return nil, err
		}
		engine, err := companion.NewEngine(companion.Config{CharacterName: s.CharacterName}, companion.Dependencies{
			Model:    &scriptedModel{reply: reply},
			Memory:   nopMemory{},
			Schedule: src,
		}, companion.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &app{
			settings: s,
			logger:   logger,
			threads:  companion.NewThreads(engine, store),
			inbound:  companion.NewPreprocessor(nil, nil),
			schedule: src,
			store:    store,
			metrics:  metrics.New(nil),
		}, nil
	}
	t.Cleanup(func() { appFactory = original })
	return store
}

func useReader(t *testing.T, lines ...string) {
	t.Helper()
	original := newLineReader
	newLineReader = func(ioStreams, string) (lineReader, error) {
		return &fakeReader{lines: lines}, nil
	}
	t.Cleanup(func() { newLineReader = original })
}

func mustContain(t *testing.T, output string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
}

func testStreams(in string, out, errOut io.Writer) ioStreams {
	return ioStreams{in: strings.NewReader(in), out: out, err: errOut}
}

