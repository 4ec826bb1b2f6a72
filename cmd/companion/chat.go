package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cexll/companion/pkg/errdefs"
)

// lineReader is the part of readline the REPL needs.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

var newLineReader = func(streams ioStreams, prompt string) (lineReader, error) {
	cfg := &readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
		Stdout:          streams.out,
		Stderr:          streams.err,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, ".companion_history")
	}
	if streams.in != nil && streams.in != os.Stdin {
		cfg.Stdin = io.NopCloser(streams.in)
	}
	return readline.NewEx(cfg)
}

const chatHelp = `Commands:
  /image <path> [caption]  send a photo
  /audio <path>            send a voice note
  /history                 show this thread
  /activity                what the companion is doing now
  /reset                   forget this thread
  /quit                    leave`

func newChatCmd(opts *rootOptions) *cobra.Command {
	var audioDir string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			rl, err := newLineReader(opts.streams, "you> ")
			if err != nil {
				return err
			}
			defer rl.Close()
			return a.repl(ctx, rl, cmd.OutOrStdout(), opts.thread, audioDir)
		},
	}
	cmd.Flags().StringVar(&audioDir, "audio-dir", "generated_audio", "where voice replies are written")
	return cmd
}

// repl reads lines until EOF, /quit or ctx ends. Turn failures are printed
// and the session continues.
func (a *app) repl(ctx context.Context, rl lineReader, out io.Writer, thread, audioDir string) error {
	name := a.settings.CharacterName
	fmt.Fprintf(out, "Chatting with %s on thread %q. Type /help for commands.\n", name, thread)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		in, quit, err := a.command(ctx, out, thread, line)
		if quit {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if in == nil {
			continue
		}
		fmt.Fprintf(out, "%s> ", name)
		if err := a.sendTurn(ctx, out, thread, audioDir, *in); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "\nerror (%s): %v\n", errdefs.KindName(err), err)
		}
	}
}

// command handles slash commands. It returns the message to send, if any.
func (a *app) command(ctx context.Context, out io.Writer, thread, line string) (*turnInput, bool, error) {
	if !strings.HasPrefix(line, "/") {
		return &turnInput{text: line}, false, nil
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "/quit", "/exit":
		return nil, true, nil
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/reset":
		if err := a.threads.Reset(ctx, thread); err != nil {
			return nil, false, err
		}
		fmt.Fprintln(out, "thread cleared")
	case "/history":
		st, err := a.threads.State(ctx, thread)
		if err != nil {
			return nil, false, err
		}
		printHistory(out, st)
	case "/activity":
		activity, ok := a.schedule.Activity(time.Now().In(mustLocation(a.settings)))
		if !ok {
			activity = "(nothing scheduled)"
		}
		fmt.Fprintln(out, activity)
	case "/image":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return nil, false, errors.New("usage: /image <path> [caption]")
		}
		return &turnInput{imagePath: path, text: strings.TrimSpace(caption)}, false, nil
	case "/audio":
		if rest == "" {
			return nil, false, errors.New("usage: /audio <path>")
		}
		return &turnInput{audioPath: rest}, false, nil
	default:
		return nil, false, fmt.Errorf("unknown command %s", verb)
	}
	return nil, false, nil
}
