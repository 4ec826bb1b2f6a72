package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestReloadConfigAppliesLogLevel(t *testing.T) {
	keyring.MockInit()
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("EMBEDDING_API_KEY", "ek-test")
	t.Setenv("MEMORY_BACKEND", "memory")
	t.Setenv("CHECKPOINT_BACKEND", "memory")

	path := filepath.Join(t.TempDir(), "companion.yaml")
	writeConfig(t, path, "log_level: info\n")

	var stderr bytes.Buffer
	opts := &rootOptions{configPath: path, streams: ioStreams{err: &stderr}}
	s, err := opts.settings(true)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	logger, err := opts.logger(s)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	a := &app{settings: s, logger: logger}

	writeConfig(t, path, "log_level: debug\n")
	a.reloadConfig(opts)
	if got := opts.level.Level(); got != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", got)
	}
	if !strings.Contains(stderr.String(), "config reloaded") {
		t.Fatalf("expected reload log, got %q", stderr.String())
	}

	writeConfig(t, path, "log_level: loud\n")
	a.reloadConfig(opts)
	if got := opts.level.Level(); got != slog.LevelDebug {
		t.Fatalf("bad reload changed level to %v", got)
	}
	if !strings.Contains(stderr.String(), "config reload failed") {
		t.Fatalf("expected failure log, got %q", stderr.String())
	}
}

func TestReloadConfigKeepsFlagLevel(t *testing.T) {
	keyring.MockInit()
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("EMBEDDING_API_KEY", "ek-test")
	t.Setenv("MEMORY_BACKEND", "memory")
	t.Setenv("CHECKPOINT_BACKEND", "memory")

	path := filepath.Join(t.TempDir(), "companion.yaml")
	writeConfig(t, path, "log_level: info\n")

	var stderr bytes.Buffer
	opts := &rootOptions{configPath: path, logLevel: "warn", streams: ioStreams{err: &stderr}}
	s, err := opts.settings(true)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	logger, err := opts.logger(s)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	a := &app{settings: s, logger: logger}

	writeConfig(t, path, "log_level: debug\n")
	a.reloadConfig(opts)
	if got := opts.level.Level(); got != slog.LevelWarn {
		t.Fatalf("level = %v, want warn", got)
	}
}
