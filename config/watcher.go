package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/selfevolve/dispatchcore/internal/dispatch"
)

// debounceDelay collapses the burst of fsnotify events a single editor save
// produces (write + chmod, sometimes a rename+create pair) into one reload.
const debounceDelay = 300 * time.Millisecond

// Watcher watches the project config file and retunes an already-running
// Dispatch Core's routing policy on change, without ever touching the queue
// table: it reloads the file, validates it, and forwards only the per-queue
// Policy values to Component.ReloadPolicy. An invalid file is logged and
// ignored, leaving the last-good policy in effect.
type Watcher struct {
	path    string
	loader  *Loader
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	current *Config
}

// NewWatcher creates a Watcher over path, whose initial content is current.
func NewWatcher(path string, current *Config, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		loader:  NewLoader(logger),
		logger:  logger,
		fsw:     fsw,
		current: current,
	}, nil
}

// Run watches for changes to path until ctx is cancelled, calling reload for
// every debounced batch of filesystem events that touch it.
func (w *Watcher) Run(ctx context.Context, reload func(queues []dispatch.QueueConfig) error) {
	defer w.fsw.Close()

	ticker := time.NewTicker(debounceDelay)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(w.path) {
				dirty = true
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			w.reloadOnce(reload)
		}
	}
}

func (w *Watcher) reloadOnce(reload func(queues []dispatch.QueueConfig) error) {
	next, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("config reload: failed to read file, keeping last-good policy",
			"path", w.path, "error", err)
		return
	}
	if err := next.Validate(); err != nil {
		w.logger.Warn("config reload: invalid config, keeping last-good policy",
			"path", w.path, "error", err)
		return
	}
	if err := reload(next.Dispatch.Queues); err != nil {
		w.logger.Warn("config reload: policy update rejected, keeping last-good policy",
			"path", w.path, "error", err)
		return
	}
	w.current = next
	w.logger.Info("config reload: routing policy updated", "path", w.path)
}
