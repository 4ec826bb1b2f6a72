package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cexll/companion/pkg/companion"
	"github.com/cexll/companion/pkg/config"
	"github.com/cexll/companion/pkg/schedule"
)

func printHistory(out io.Writer, st *companion.State) {
	if st.Summary != "" {
		fmt.Fprintf(out, "summary: %s\n\n", st.Summary)
	}
	if len(st.Messages) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return
	}
	fmt.Fprintln(out, companion.Transcript(st.Messages))
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation of a thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			st, err := a.threads.State(ctx, opts.thread)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(st)
			}
			printHistory(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the state as JSON")
	return cmd
}

func newThreadsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List stored conversation threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			ids, err := a.store.Threads(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the short-term history of a thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if err := a.threads.Reset(ctx, opts.thread); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thread %q cleared\n", opts.thread)
			return nil
		},
	}
}

func mustLocation(s *config.Settings) *time.Location {
	loc, err := s.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show what the companion is doing at a given time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.settings(false)
			if err != nil {
				return err
			}
			logger, err := opts.logger(s)
			if err != nil {
				return err
			}
			src, err := schedule.NewSource(s.SchedulePath, logger)
			if err != nil {
				return err
			}
			loc := mustLocation(s)
			now := time.Now().In(loc)
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = now.In(loc)
			}
			out := cmd.OutOrStdout()
			activity, ok := src.Activity(now)
			if !ok {
				activity = "(nothing scheduled)"
			}
			fmt.Fprintf(out, "%s: %s\n\n", now.Format("Monday 15:04 MST"), activity)
			for _, e := range src.Table().Day(schedule.MondayIndex(now.Weekday())) {
				fmt.Fprintf(out, "%s-%s  %s\n", clock(e.Start), clock(e.End), e.Activity)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 instant to look up (default now)")
	return cmd
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// secretStore is swapped in tests.
var secretStore = struct {
	set    func(name, value string) error
	delete func(name string) error
}{config.StoreSecret, config.DeleteSecret}

func newSecretCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage API keys in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:       "set NAME",
			Short:     "Store an API key (read from the terminal or stdin)",
			Args:      cobra.ExactArgs(1),
			ValidArgs: config.SecretNames(),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := strings.ToUpper(args[0])
				if !knownSecret(name) {
					return fmt.Errorf("unknown secret %s (want one of %s)", name, strings.Join(config.SecretNames(), ", "))
				}
				value, err := readSecret(opts.streams, name)
				if err != nil {
					return err
				}
				if err := secretStore.set(name, value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stored in keyring service %q\n", name, config.KeyringService)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Remove an API key from the keyring",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := strings.ToUpper(args[0])
				if err := secretStore.delete(name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", name)
				return nil
			},
		},
	)
	return cmd
}

func knownSecret(name string) bool {
	for _, n := range config.SecretNames() {
		if n == name {
			return true
		}
	}
	return false
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(streams ioStreams, name string) (string, error) {
	if f, ok := streams.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(streams.err, "%s: ", name)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(streams.err)
		if err != nil {
			return "", err
		}
		return validSecret(string(b))
	}
	line, err := bufio.NewReader(streams.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return validSecret(line)
}

func validSecret(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty secret")
	}
	return v, nil
}
