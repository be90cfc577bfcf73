package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// LoadRulesFile reads an ordered JSON rule list from disk.
func LoadRulesFile(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if err := Validate(rules); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// WatchRulesFile reloads the engine whenever the rules file changes, until
// ctx is canceled. A file that fails to read or parse leaves the previous
// rule set in place; evaluators never observe a broken or partial list.
func WatchRulesFile(ctx context.Context, log *slog.Logger, e *Engine, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRulesFile(path)
			if err != nil {
				log.Warn("policy reload skipped", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			if err := e.Reload(rules); err != nil {
				log.Warn("policy reload rejected", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			log.Info("policy rules reloaded", slog.String("path", path), slog.Int("rules", len(rules)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("policy watcher error", slog.String("err", err.Error()))
		}
	}
}
