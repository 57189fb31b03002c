package calibration

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the watcher waits after the last write before
// reloading, so a file that is still being written is not read half-way.
const DefaultSettle = 300 * time.Millisecond

// Watcher reloads calibration when a PNG appears in the background or
// reference folder.
type Watcher struct {
	store   *Store
	dataDir string
	settle  time.Duration
	log     *slog.Logger
	// OnReload, if set, is called after every reload attempt.
	OnReload func(Constants, error)
}

// NewWatcher creates a watcher for dataDir's calibration folders.
func NewWatcher(store *Store, dataDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: store, dataDir: dataDir, settle: DefaultSettle, log: logger}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, sub := range []string{BackgroundDir, ReferenceDir} {
		dir := filepath.Join(w.dataDir, sub)
		if err := fw.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching calibration folder", "dir", dir)
	}

	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".png") {
				continue
			}
			w.log.Debug("calibration file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("calibration watcher error", "error", err)
		case <-timer.C:
			err := w.store.AutoLoad(w.dataDir)
			if err != nil {
				w.log.Warn("calibration reload failed", "error", err)
			}
			if w.OnReload != nil {
				w.OnReload(w.store.Snapshot(), err)
			}
		}
	}
}
