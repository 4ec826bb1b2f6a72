package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3/option"

	"github.com/cexll/companion/pkg/checkpoint"
	"github.com/cexll/companion/pkg/companion"
	"github.com/cexll/companion/pkg/config"
	"github.com/cexll/companion/pkg/errdefs"
	"github.com/cexll/companion/pkg/guard"
	"github.com/cexll/companion/pkg/image"
	"github.com/cexll/companion/pkg/memory"
	"github.com/cexll/companion/pkg/memory/pgindex"
	"github.com/cexll/companion/pkg/memory/sqliteindex"
	"github.com/cexll/companion/pkg/metrics"
	"github.com/cexll/companion/pkg/model"
	"github.com/cexll/companion/pkg/schedule"
	"github.com/cexll/companion/pkg/speech"
	"github.com/cexll/companion/pkg/telemetry"
)

// app is a fully wired companion process.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	threads  *companion.Threads
	inbound  *companion.Preprocessor
	schedule *schedule.Source
	store    checkpoint.Store
	metrics  *metrics.Recorder

	closers []func(context.Context) error
}

// Close releases resources in reverse acquisition order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func closeFn(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}

var appFactory = buildApp

func buildApp(ctx context.Context, s *config.Settings, logger *slog.Logger) (_ *app, err error) {
	a := &app{settings: s, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: s.ServiceName,
		Endpoint:    s.OTelEndpoint,
		Insecure:    s.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(shutdown)
	a.metrics = metrics.New(nil)

	loc, err := s.Location()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "app.location", err)
	}
	chat, err := newChatModel(s, s.TextModel)
	if err != nil {
		return nil, err
	}
	small, err := newChatModel(s, s.SmallTextModel)
	if err != nil {
		return nil, err
	}

	mem, err := a.buildMemory(ctx, small)
	if err != nil {
		return nil, err
	}

	a.schedule, err = schedule.NewSource(s.SchedulePath, logger)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "app.schedule", err)
	}

	deps := companion.Dependencies{
		Model:       chat,
		RouterModel: small,
		Memory:      mem,
		Schedule:    a.schedule,
	}
	if s.TogetherAPIKey != "" {
		gen, err := image.NewGenerator(image.GeneratorConfig{
			Model:      chat,
			APIKey:     s.TogetherAPIKey,
			ImageModel: s.TTIModel,
			MaxRetries: s.MaxRetries,
			Guard:      a.guard("together"),
		})
		if err != nil {
			return nil, err
		}
		deps.Images = gen
	} else {
		logger.Warn("TOGETHER_API_KEY not set, image replies disabled")
	}
	if s.ElevenLabsAPIKey != "" {
		synth, err := speech.NewSynthesizer(speech.ElevenLabsConfig{
			APIKey:  s.ElevenLabsAPIKey,
			VoiceID: s.ElevenLabsVoiceID,
			Model:   s.TTSModel,
			Guard:   a.guard("elevenlabs"),
		})
		if err != nil {
			return nil, err
		}
		deps.Speech = synth
	} else {
		logger.Warn("ELEVENLABS_API_KEY not set, audio replies disabled")
	}

	engine, err := companion.NewEngine(companion.Config{
		CharacterName:           s.CharacterName,
		Location:                loc,
		RouterMessagesToAnalyze: s.RouterMessagesToAnalyze,
		MemoryTopK:              s.MemoryTopK,
		SummaryTrigger:          s.TotalMessagesSummaryTrigger,
		MessagesAfterSummary:    s.TotalMessagesAfterSummary,
		ImageDir:                s.ImageDir,
		EnhanceImagePrompts:     s.EnhanceImagePrompts,
	}, deps, companion.WithLogger(logger), companion.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	a.store, err = openCheckpoints(ctx, s)
	if err != nil {
		return nil, err
	}
	a.onClose(closeFn(a.store))
	a.threads = companion.NewThreads(engine, a.store)
	a.inbound, err = a.buildInbound(s)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) guard(name string) *guard.Guard {
	s := a.settings
	g := guard.New(guard.Config{
		Name:          name,
		MaxFailures:   uint32(s.BreakerMaxFailures),
		RatePerSecond: s.RateLimitPerSecond,
		Burst:         s.RateLimitBurst,
		Logger:        a.logger,
	})
	a.metrics.TrackBreaker(name, g.State)
	return g
}

func newChatModel(s *config.Settings, name string) (model.Model, error) {
	var (
		m   model.Model
		err error
	)
	switch s.Provider {
	case config.ProviderAnthropic:
		m, err = model.NewAnthropic(model.AnthropicConfig{
			APIKey:     s.AnthropicAPIKey,
			Model:      name,
			MaxRetries: s.MaxRetries,
		})
	case config.ProviderOpenAI:
		m, err = model.NewOpenAI(model.OpenAIConfig{
			APIKey:     s.OpenAIAPIKey,
			BaseURL:    s.OpenAIBaseURL,
			Model:      name,
			MaxRetries: s.MaxRetries,
		})
	default:
		m, err = model.NewOpenAI(model.OpenAIConfig{
			APIKey:         s.GroqAPIKey,
			BaseURL:        s.GroqBaseURL,
			Model:          name,
			MaxRetries:     s.MaxRetries,
			JSONObjectMode: true,
		})
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "app.model", err)
	}
	return m, nil
}

func (a *app) buildMemory(ctx context.Context, analyzerModel model.Model) (*memory.Manager, error) {
	s := a.settings
	var index memory.Index
	switch s.MemoryBackend {
	case config.BackendPostgres:
		idx, err := pgindex.Open(ctx, s.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres memory: %w", err)
		}
		a.onClose(closeFn(idx))
		index = idx
	case config.BackendSQLite:
		idx, err := sqliteindex.Open(s.LongTermMemoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite memory: %w", err)
		}
		a.onClose(closeFn(idx))
		index = idx
	default:
		index = memory.NewInMemoryIndex()
	}

	embedOpts := []memory.OpenAIEmbedderOption{memory.WithOpenAIEmbedderDimensions(s.EmbeddingDimensions)}
	reqOpts := []option.RequestOption{option.WithMaxRetries(s.MaxRetries)}
	if s.EmbeddingBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.EmbeddingBaseURL))
	}
	embedOpts = append(embedOpts, memory.WithOpenAIEmbedderOptions(reqOpts...))
	embedder, err := memory.NewOpenAIEmbedder(s.EmbeddingAPIKey, s.EmbeddingModel, embedOpts...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, "app.embedder", err)
	}

	store, err := memory.NewStore(index, memory.NewCachedEmbedder(embedder, s.EmbeddingCacheTTL),
		memory.WithCollection(s.MemoryCollection),
		memory.WithSimilarityThreshold(s.SimilarityThreshold),
		memory.WithStoreLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("long-term memory ready",
		"backend", s.MemoryBackend,
		"collection", store.Collection(),
		"threshold", s.SimilarityThreshold,
	)
	return memory.NewManager(store, memory.NewModelAnalyzer(analyzerModel),
		memory.WithManagerLogger(a.logger),
		memory.WithObserver(a.metrics),
	), nil
}

func (a *app) buildInbound(s *config.Settings) (*companion.Preprocessor, error) {
	var (
		transcriber companion.Transcriber
		describer   companion.ImageDescriber
	)
	sttKey, sttURL := s.GroqAPIKey, s.GroqBaseURL
	if sttKey == "" {
		sttKey, sttURL = s.OpenAIAPIKey, s.OpenAIBaseURL
	}
	if sttKey != "" {
		t, err := speech.NewTranscriber(speech.TranscriberConfig{
			APIKey:     sttKey,
			BaseURL:    sttURL,
			Model:      s.STTModel,
			MaxRetries: s.MaxRetries,
			Guard:      a.guard("transcription"),
		})
		if err != nil {
			return nil, err
		}
		transcriber = t
	}
	vision, err := newChatModel(s, s.ITTModel)
	if err != nil {
		return nil, err
	}
	d, err := image.NewAnalyzer(vision, s.ITTModel)
	if err != nil {
		return nil, err
	}
	describer = d
	return companion.NewPreprocessor(transcriber, describer), nil
}

func openCheckpoints(ctx context.Context, s *config.Settings) (checkpoint.Store, error) {
	switch s.CheckpointBackend {
	case config.BackendRedis:
		return checkpoint.OpenRedis(ctx, s.RedisURL)
	case config.BackendSQLite:
		return checkpoint.OpenSQLite(s.ShortTermMemoryDBPath)
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

// serveMetrics exposes /metrics on addr until ctx ends.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" || a.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.onClose(func(ctx context.Context) error { return srv.Shutdown(ctx) })
	a.logger.Info("metrics listening", "addr", addr)
}

// watchSchedule reloads the schedule file on change until ctx ends.
func (a *app) watchSchedule(ctx context.Context) {
	if a.schedule == nil || a.settings.SchedulePath == "" {
		return
	}
	go func() {
		if err := a.schedule.Watch(ctx); err != nil {
			a.logger.Warn("schedule watch stopped", "error", err)
		}
	}()
}
