package image

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StampLayout is the timestamp format used in folder and file names.
const StampLayout = "20060102_150405"

// ErrFolderExists is returned when a timestamped save folder already exists.
var ErrFolderExists = errors.New("save folder already exists")

// Stamp formats t for file names.
func Stamp(t time.Time) string {
	return t.Format(StampLayout)
}

// FrameFileName builds "<stamp>_<e1>_<e2>_<e3>_<e4>.png" with each exposure
// token zero-padded to four digits.
func FrameFileName(t time.Time, expMs100 [BandCount]int) string {
	return fmt.Sprintf("%s_%04d_%04d_%04d_%04d.png", Stamp(t),
		expMs100[0], expMs100[1], expMs100[2], expMs100[3])
}

// ClassificationFileName builds "classification_<stamp>.png".
func ClassificationFileName(t time.Time) string {
	return "classification_" + Stamp(t) + ".png"
}

// CreateStampFolder creates base/<stamp>. The folder must not exist yet.
func CreateStampFolder(base string, t time.Time) (string, error) {
	target := filepath.Join(base, Stamp(t))
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("failed to create base folder: %w", err)
	}
	if err := os.Mkdir(target, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%s: %w", target, ErrFolderExists)
		}
		return "", fmt.Errorf("failed to create save folder: %w", err)
	}
	return target, nil
}

// SavePNG encodes img to path.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// Saver writes periodic snapshots into a timestamped folder while active.
type Saver struct {
	mu       sync.Mutex
	dir      string
	active   bool
	expMs100 [BandCount]int
}

// SelectFolder creates a fresh timestamped folder under base and targets it.
func (s *Saver) SelectFolder(base string, now time.Time) (string, error) {
	dir, err := CreateStampFolder(base, now)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	return dir, nil
}

// SetDir targets an existing folder.
func (s *Saver) SetDir(dir string) {
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
}

// Dir returns the current target folder.
func (s *Saver) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// SetActive toggles saving.
func (s *Saver) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// Active reports whether saving is on.
func (s *Saver) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetExposures records the per-band exposure tokens used in file names.
func (s *Saver) SetExposures(expMs100 [BandCount]int) {
	s.mu.Lock()
	s.expMs100 = expMs100
	s.mu.Unlock()
}

// SaveIfActive writes img when saving is on and the folder exists. It
// returns the written path, or "" when nothing was written.
func (s *Saver) SaveIfActive(img image.Image, now time.Time) (string, error) {
	s.mu.Lock()
	dir, active, exp := s.dir, s.active, s.expMs100
	s.mu.Unlock()

	if !active || img == nil || dir == "" {
		return "", nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", nil
	}
	path := filepath.Join(dir, FrameFileName(now, exp))
	if err := SavePNG(path, img); err != nil {
		return "", err
	}
	return path, nil
}
