package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cexll/companion/pkg/config"
	"github.com/cexll/companion/pkg/logging"
)

// ioStreams wires stdin/stdout/stderr for commands and becomes injectable in tests.
type ioStreams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	streams := ioStreams{in: os.Stdin, out: os.Stdout, err: os.Stderr}
	if err := runCLI(ctx, os.Args[1:], streams); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(streams.err, err)
		}
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, argv []string, streams ioStreams) error {
	root := newRootCmd(streams)
	root.SetArgs(argv)
	return root.ExecuteContext(ctx)
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	streams     ioStreams
	configPath  string
	thread      string
	logLevel    string
	logFormat   string
	metricsAddr string

	loader *config.Loader
	level  slog.LevelVar
}

func newRootCmd(streams ioStreams) *cobra.Command {
	opts := &rootOptions{streams: streams}
	root := &cobra.Command{
		Use:   "companion",
		Short: "Conversational companion with long-term memory",
		Long: `companion runs a conversational character that remembers facts about
you, follows a daily routine and can answer with text, images or voice.

Examples:
  companion chat
  companion send --thread alice "I just moved to Lisbon"
  companion send --image photo.jpg "what do you think?"
  companion schedule --at 2025-01-06T14:05:00+01:00
  companion secret set TOGETHER_API_KEY`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(streams.in)
	root.SetOut(streams.out)
	root.SetErr(streams.err)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config overlay (env and .env are always read)")
	flags.StringVarP(&opts.thread, "thread", "t", "default", "conversation thread id")
	flags.StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override LOG_FORMAT (text, json)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newChatCmd(opts),
		newSendCmd(opts),
		newHistoryCmd(opts),
		newThreadsCmd(opts),
		newResetCmd(opts),
		newScheduleCmd(opts),
		newSecretCmd(opts),
	)
	return root
}

// settings loads configuration with flag overrides applied.
func (o *rootOptions) settings(validate bool) (*config.Settings, error) {
	loaderOpts := []config.LoaderOption{config.WithConfigFile(o.configPath)}
	if !validate {
		loaderOpts = append(loaderOpts, config.WithValidator(nil))
	}
	o.loader = config.NewLoader(loaderOpts...)
	s, err := o.loader.Load()
	if err != nil {
		return nil, err
	}
	o.applyFlags(s)
	return s, nil
}

// applyFlags lets command-line flags win over every other source.
func (o *rootOptions) applyFlags(s *config.Settings) {
	if o.logLevel != "" {
		s.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		s.LogFormat = o.logFormat
	}
	if o.metricsAddr != "" {
		s.MetricsAddr = o.metricsAddr
	}
}

func (o *rootOptions) logger(s *config.Settings) (*slog.Logger, error) {
	lvl, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}
	o.level.Set(lvl)
	return logging.NewLeveled(o.streams.err, &o.level, s.LogFormat)
}

// open loads settings and wires the full application.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	s, err := o.settings(true)
	if err != nil {
		return nil, err
	}
	logger, err := o.logger(s)
	if err != nil {
		return nil, err
	}
	a, err := appFactory(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	a.serveMetrics(ctx, s.MetricsAddr)
	a.watchSchedule(ctx)
	a.watchConfig(ctx, o)
	return a, nil
}
