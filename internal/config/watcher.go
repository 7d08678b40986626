package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher watches config.yaml in homeDir plus any extra files, such as the
// blacklist JSON maps.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := append([]string{ConfigPath(homeDir)}, extra...)
	return &Watcher{
		files:  files,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, file := range w.files {
		if err := fsw.Add(file); err != nil {
			w.logger.Debug("config watcher skipped file", "path", file, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
