package calibration

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"nbc-viewer/internal/image"
)

// Sub-directories of the data folder scanned by AutoLoad.
const (
	BackgroundDir = "Calibration/Background"
	ReferenceDir  = "Calibration/Reference"
	TransformDir  = "Calibration/Transformation"
)

// Constants is an immutable snapshot of the calibration state. Each of the
// two estimates is either present for all four bands or absent.
type Constants struct {
	DarkNoise   [image.BandCount]float64
	RefRadiance [image.BandCount]float64
	RefTokens   [image.BandCount]int
	HasDark     bool
	HasRef      bool
	DarkSource  string
	RefSource   string
}

// Store holds the current calibration constants.
type Store struct {
	mu  sync.RWMutex
	c   Constants
	log *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{log: logger}
}

// Snapshot returns a copy of the constants.
func (s *Store) Snapshot() Constants {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c
}

// SetBackground estimates dark noise from a background frame. Any existing
// reference radiance was computed against the old dark noise and is cleared.
func (s *Store) SetBackground(f *image.Frame, source string) [image.BandCount]float64 {
	dark := DarkNoise(f.Split())
	s.mu.Lock()
	s.c.DarkNoise = dark
	s.c.HasDark = true
	s.c.DarkSource = source
	s.c.RefRadiance = [image.BandCount]float64{}
	s.c.HasRef = false
	s.c.RefSource = ""
	s.mu.Unlock()
	s.log.Info("dark noise estimated", "source", source, "dark", dark)
	return dark
}

// SetReference estimates reference radiance from a reference frame and its
// exposure tokens. Dark noise must already be present.
func (s *Store) SetReference(f *image.Frame, toks [image.BandCount]int, source string) ([image.BandCount]float64, error) {
	bands := f.Split()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.c.HasDark {
		return [image.BandCount]float64{}, ErrNoDarkNoise
	}
	ref := ReferenceRadiance(bands, s.c.DarkNoise, toks)
	s.c.RefRadiance = ref
	s.c.RefTokens = toks
	s.c.HasRef = true
	s.c.RefSource = source
	s.log.Info("reference radiance estimated", "source", source, "radiance", ref, "tokens", toks)
	return ref, nil
}

// SetConstants installs externally known constants, e.g. from a config file.
func (s *Store) SetConstants(dark, ref [image.BandCount]float64) {
	s.mu.Lock()
	s.c.DarkNoise, s.c.HasDark, s.c.DarkSource = dark, true, "manual"
	s.c.RefRadiance, s.c.HasRef, s.c.RefSource = ref, true, "manual"
	s.mu.Unlock()
}

// LoadBackground loads a background capture from disk.
func (s *Store) LoadBackground(path string) error {
	f, err := image.LoadFrame(path)
	if err != nil {
		return fmt.Errorf("background: %w", err)
	}
	s.SetBackground(f, path)
	return nil
}

// LoadReference loads a reference capture whose name carries the exposure
// tokens.
func (s *Store) LoadReference(path string) error {
	toks, err := ParseExposureTokens(path)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	f, err := image.LoadFrame(path)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	if _, err := s.SetReference(f, toks, path); err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	return nil
}

// AutoLoad loads the first PNG from the background and reference folders
// under dataDir. Missing folders or files are not errors.
func (s *Store) AutoLoad(dataDir string) error {
	bg, err := image.FirstImage(filepath.Join(dataDir, BackgroundDir), ".png")
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if bg == "" {
		s.log.Info("no background image to auto-load", "dir", filepath.Join(dataDir, BackgroundDir))
		return nil
	}
	if err := s.LoadBackground(bg); err != nil {
		return err
	}

	ref, err := image.FirstImage(filepath.Join(dataDir, ReferenceDir), ".png")
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if ref == "" {
		s.log.Info("no reference image to auto-load", "dir", filepath.Join(dataDir, ReferenceDir))
		return nil
	}
	return s.LoadReference(ref)
}

// EnsureDataDirs creates the data folder layout.
func EnsureDataDirs(dataDir string) error {
	for _, sub := range []string{"Raw", "Raster/Raster", "Raster/Reflectance", "Classification", BackgroundDir, ReferenceDir, TransformDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create data folder: %w", err)
		}
	}
	return nil
}
