// Package companion runs the conversational turn pipeline: memory
// extraction, routing, context injection, reply generation and summarization.
package companion

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/image"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/telemetry"
	"github.com/cexll/companion/pkg/workflow"
)

// MemoryService extracts and recalls long-term memories.
type MemoryService interface {
	ExtractAndStore(ctx context.Context, msg model.Message) error
	RelevantMemories(ctx context.Context, query string, k int) ([]string, error)
}

// ActivitySource reports what the character is doing at a given instant.
type ActivitySource interface {
	Activity(now time.Time) (string, bool)
}

// ImageService writes scenarios and renders images.
type ImageService interface {
	CreateScenario(ctx context.Context, history []model.Message) (image.Scenario, error)
	EnhancePrompt(ctx context.Context, prompt string) (string, error)
	Render(ctx context.Context, prompt, outputPath string) ([]byte, error)
}

// SpeechService turns reply text into audio.
type SpeechService interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Metrics observes turns and nodes. pkg/metrics.Recorder implements it.
type Metrics interface {
	ObserveNode(node string, elapsed time.Duration, err error)
	ObserveTurn(workflow string, elapsed time.Duration, err error)
}

// Config holds the pipeline tunables.
type Config struct {
	CharacterName           string
	Location                *time.Location
	RouterMessagesToAnalyze int
	MemoryTopK              int
	SummaryTrigger          int
	MessagesAfterSummary    int
	ImageDir                string
	EnhanceImagePrompts     bool
}

func (c Config) withDefaults() Config {
	if c.CharacterName == "" {
		c.CharacterName = "Ava"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.RouterMessagesToAnalyze <= 0 {
		c.RouterMessagesToAnalyze = 3
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 3
	}
	if c.SummaryTrigger <= 0 {
		c.SummaryTrigger = 20
	}
	if c.MessagesAfterSummary <= 0 {
		c.MessagesAfterSummary = 5
	}
	if c.ImageDir == "" {
		c.ImageDir = "generated_images"
	}
	return c
}

// Dependencies are the collaborators a turn calls into.
type Dependencies struct {
	// Model writes replies and summaries.
	Model model.Model
	// RouterModel classifies intent; defaults to Model.
	RouterModel model.Model
	Memory      MemoryService
	Schedule    ActivitySource
	// Images and Speech may be nil; the matching branch then fails with a
	// configuration error.
	Images ImageService
	Speech SpeechService
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics installs a metrics observer.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine executes turns. It is safe for concurrent use by turns of
// different conversations.
type Engine struct {
	cfg        Config
	deps       Dependencies
	router     *Router
	responder  *Responder
	summarizer *Summarizer
	graph      *workflow.Graph
	logger     *slog.Logger
	metrics    Metrics
	now        func() time.Time
}

// NewEngine validates deps and builds the turn graph.
func NewEngine(cfg Config, deps Dependencies, opts ...Option) (*Engine, error) {
	const op = "companion.NewEngine"
	if deps.Model == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, op, "chat model is required")
	}
	if deps.Memory == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, op, "memory service is required")
	}
	if deps.Schedule == nil {
		return nil, errdefs.New(errdefs.ErrConfiguration, op, "activity source is required")
	}
	if deps.RouterModel == nil {
		deps.RouterModel = deps.Model
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		router:     NewRouter(deps.RouterModel, cfg.RouterMessagesToAnalyze, cfg.CharacterName),
		responder:  NewResponder(deps.Model, cfg.CharacterName, cfg.Location),
		summarizer: NewSummarizer(deps.Model),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	graph, err := e.buildGraph()
	if err != nil {
		return nil, err
	}
	e.graph = graph
	return e, nil
}

// Run executes one turn over a copy of in and returns the new state. On
// error in is left untouched and no state is returned.
func (e *Engine) Run(ctx context.Context, in *State) (_ *State, err error) {
	st := in.beginTurn()
	started := e.now()

	ctx, span := telemetry.StartSpan(ctx, "companion.turn")
	defer func() {
		span.SetAttributes(telemetry.SanitizeAttributes(
			attribute.String("companion.workflow", string(st.Workflow)),
			attribute.Int("companion.messages", len(st.Messages)),
		)...)
		telemetry.EndSpan(span, err)
		if e.metrics != nil {
			e.metrics.ObserveTurn(string(st.Workflow), e.now().Sub(started), err)
		}
	}()

	executor := workflow.NewExecutor(e.graph,
		workflow.WithInitialData(map[string]any{stateKey: st}),
		workflow.WithNodeHook(e.observeNode),
	)
	if err := executor.Run(ctx); err != nil {
		e.logger.ErrorContext(ctx, "turn failed", "workflow", st.Workflow, "error", err)
		return nil, err
	}
	e.logger.DebugContext(ctx, "turn complete",
		"workflow", st.Workflow,
		"messages", len(st.Messages),
		"has_summary", st.Summary != "",
	)
	return st, nil
}

func (e *Engine) observeNode(ctx context.Context, node string, elapsed time.Duration, err error) {
	if e.metrics != nil {
		e.metrics.ObserveNode(node, elapsed, err)
	}
	e.logger.DebugContext(ctx, "node finished", "node", node, "elapsed", elapsed, "error", err)
}
