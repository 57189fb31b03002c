package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// HotReloader polls a binary's modification time and fires a callback once
// a newer build has replaced it. The run command uses it to restart a
// long-running viewer after recompilation.
type HotReloader struct {
	execPath      string
	startupTime   time.Time
	checkInterval time.Duration
	log           *slog.Logger
	onNewBinary   func()
}

// NewHotReloader watches the running executable. Symlinks are resolved so
// a rebuild that swaps the target is still seen.
func NewHotReloader(checkInterval time.Duration, logger *slog.Logger) (*HotReloader, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return NewHotReloaderFor(execPath, checkInterval, logger)
}

// NewHotReloaderFor watches an arbitrary file.
func NewHotReloaderFor(path string, checkInterval time.Duration, logger *slog.Logger) (*HotReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &HotReloader{
		execPath:      path,
		startupTime:   info.ModTime(),
		checkInterval: checkInterval,
		log:           logger,
	}, nil
}

// OnNewBinary sets the callback. It runs on the watcher goroutine.
func (h *HotReloader) OnNewBinary(callback func()) {
	h.onNewBinary = callback
}

// Run polls until ctx is cancelled or a newer binary is detected; it fires
// at most once.
func (h *HotReloader) Run(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.checkForUpdate() {
				continue
			}
			h.log.Info("newer binary detected", "path", h.execPath)
			if h.onNewBinary != nil {
				h.onNewBinary()
			}
			return
		}
	}
}

func (h *HotReloader) checkForUpdate() bool {
	info, err := os.Stat(h.execPath)
	if err != nil {
		return false
	}
	return info.ModTime().After(h.startupTime)
}

// ExecPath returns the watched file.
func (h *HotReloader) ExecPath() string {
	return h.execPath
}

// Restart replaces the current process with the watched binary, keeping
// arguments and environment. It does not return on success.
func (h *HotReloader) Restart() error {
	return syscall.Exec(h.execPath, os.Args, os.Environ())
}
