package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cexll/companion/pkg/companion"
	"github.com/cexll/companion/pkg/logging"
)

// turnInput names the files attached to a message.
type turnInput struct {
	text      string
	imagePath string
	audioPath string
}

func (in turnInput) load() (companion.Inbound, error) {
	msg := companion.Inbound{Text: in.text}
	if in.imagePath != "" {
		data, err := os.ReadFile(in.imagePath)
		if err != nil {
			return msg, fmt.Errorf("read image: %w", err)
		}
		msg.Image = data
	}
	if in.audioPath != "" {
		data, err := os.ReadFile(in.audioPath)
		if err != nil {
			return msg, fmt.Errorf("read audio: %w", err)
		}
		msg.Audio = data
		msg.AudioName = filepath.Base(in.audioPath)
	}
	return msg, nil
}

// sendTurn preprocesses in, runs one turn on thread and prints the reply.
func (a *app) sendTurn(ctx context.Context, out io.Writer, thread, audioDir string, in turnInput) error {
	inbound, err := in.load()
	if err != nil {
		return err
	}
	msg, err := a.inbound.Message(ctx, inbound)
	if err != nil {
		return err
	}
	logging.WithThread(a.logger, thread).Debug("turn started", "chars", len(msg.Text()))
	st, err := a.threads.Send(ctx, thread, msg)
	if err != nil {
		return err
	}
	return printTurn(out, st, thread, audioDir)
}

func printTurn(out io.Writer, st *companion.State, thread, audioDir string) error {
	fmt.Fprintln(out, st.Reply())
	if st.ImagePath != "" {
		fmt.Fprintf(out, "[image: %s]\n", st.ImagePath)
	}
	if len(st.AudioBuffer) > 0 {
		if err := os.MkdirAll(audioDir, 0o755); err != nil {
			return fmt.Errorf("audio dir: %w", err)
		}
		name := fmt.Sprintf("%s_%d.mp3", safeName(thread), time.Now().UnixNano())
		path := filepath.Join(audioDir, name)
		if err := os.WriteFile(path, st.AudioBuffer, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		fmt.Fprintf(out, "[audio: %s]\n", path)
	}
	return nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		in       turnInput
		audioDir string
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.text = strings.Join(args, " ")
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			return a.sendTurn(ctx, cmd.OutOrStdout(), opts.thread, audioDir, in)
		},
	}
	cmd.Flags().StringVar(&in.imagePath, "image", "", "attach an image file")
	cmd.Flags().StringVar(&in.audioPath, "audio", "", "send a voice note instead of text")
	cmd.Flags().StringVar(&audioDir, "audio-dir", "generated_audio", "where voice replies are written")
	return cmd
}
