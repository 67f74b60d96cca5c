package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchedOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// Watch re-runs Discover whenever manifests in the external directory change.
// Bursts of events are coalesced by the configured debounce. It blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.cfg.ExternalDir == "" {
		return errors.New("watch: no external connector directory configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // best-effort cleanup
	if err := watcher.Add(r.cfg.ExternalDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.cfg.ExternalDir, err)
	}

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		logger = r.logger.With(zap.String("dir", r.cfg.ExternalDir))
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&watchedOps == 0 || !isManifestEvent(event.Name) {
				continue
			}
			logger.Debug("connector manifest changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			stopTimer()
			timer = time.NewTimer(r.cfg.Debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			r.Discover(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("connector watcher error", zap.Error(err))
		}
	}
}

func isManifestEvent(name string) bool {
	ext := filepath.Ext(name)
	// Icon files referenced by manifests can change too.
	return ext == manifestExt || ext == ".svg"
}
