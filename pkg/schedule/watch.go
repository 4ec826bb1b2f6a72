package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source serves the current table and can reload it from a file.
type Source struct {
	path   string
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewSource returns a Source over the embedded default table, or over the
// YAML file at path when path is not empty.
func NewSource(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger}
	if path == "" {
		s.table.Store(Default())
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Activity looks up now in the current table.
func (s *Source) Activity(now time.Time) (string, bool) {
	return s.table.Load().Activity(now)
}

// Table returns the current table.
func (s *Source) Table() *Table { return s.table.Load() }

// Reload re-reads the backing file. On error the previous table stays active.
func (s *Source) Reload() error {
	if s.path == "" {
		return errors.New("schedule: no file to reload")
	}
	t, err := Load(s.path)
	if err != nil {
		return err
	}
	s.table.Store(t)
	return nil
}

// Watch reloads the table whenever the file changes, until ctx ends.
// The parent directory is watched so editors that replace the file are seen.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("schedule: no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schedule: watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("schedule: watch %s: %w", target, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("schedule reload failed", "path", target, "error", err)
				continue
			}
			s.logger.Info("schedule reloaded", "path", target)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("schedule watcher error", "error", err)
		}
	}
}
