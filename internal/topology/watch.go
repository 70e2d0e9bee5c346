// watch.go - Reloads a topology file when it changes on disk
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/power-topology/backend/internal/models"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-parses a topology file after it settles and hands the result
// to OnChange. Parse failures are logged and the previous topology is kept.
type Watcher struct {
	Path     string
	Registry *Registry
	Debounce time.Duration
	Logger   *slog.Logger
	OnChange func(*models.Topology)
}

// Run watches until ctx is cancelled. The containing directory is watched so
// that editors which replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	registry := w.Registry
	if registry == nil {
		registry = globalRegistry
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "topology-watch", "path", w.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch topology directory: %w", err)
	}
	logger.Info("watching topology")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Stop()
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			topo, err := registry.ParseFile(target)
			if err != nil {
				logger.Warn("topology reload failed, keeping previous", "err", err)
				continue
			}
			logger.Info("topology reloaded", "assets", len(topo.Assets))
			if w.OnChange != nil {
				w.OnChange(topo)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)
		}
	}
}
