package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes on disk and hands the
// parsed result to a callback. Only the routing section is expected to
// change at runtime; the callback decides what to apply.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a config file watcher. onChange runs on the watcher
// goroutine with each successfully parsed config.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. Editors replace files rather
// than writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config update", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded",
		"mode", cfg.Routing.Mode,
		"threshold", cfg.Routing.Threshold,
		"privacy_mode", cfg.Routing.PrivacyMode)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
