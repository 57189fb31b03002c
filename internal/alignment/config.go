package alignment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

const (
	matrixKey  = "matrix"
	noneMatrix = "None"
)

// ErrMatrix is returned for a present but malformed matrix entry.
var ErrMatrix = errors.New("malformed matrix")

// HomographySet holds one optional homography per band. Band 0 is the
// reference and is always treated as identity.
type HomographySet [image.BandCount]*geometry.Homography

// SectionName returns the INI section for band b ("H_11" .. "H_41").
func SectionName(b int) string {
	return fmt.Sprintf("H_%d1", b+1)
}

// Get returns the homography for band b and whether one is present.
func (s HomographySet) Get(b int) (geometry.Homography, bool) {
	if b == ReferenceBand {
		return geometry.Identity(), true
	}
	if s[b] == nil {
		return geometry.Homography{}, false
	}
	return *s[b], true
}

// Missing lists target bands without a homography.
func (s HomographySet) Missing() []int {
	var out []int
	for b := 1; b < image.BandCount; b++ {
		if s[b] == nil {
			out = append(out, b)
		}
	}
	return out
}

// Any reports whether at least one target band has a homography.
func (s HomographySet) Any() bool {
	return len(s.Missing()) < image.BandCount-1
}

// FormatMatrix joins the nine elements with commas.
func FormatMatrix(h geometry.Homography) string {
	parts := make([]string, len(h))
	for i, v := range h {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseMatrix parses nine comma-separated floats. "None" yields nil.
func ParseMatrix(s string) (*geometry.Homography, error) {
	s = strings.TrimSpace(s)
	if s == noneMatrix || s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 9 {
		return nil, fmt.Errorf("%w: %d values, want 9", ErrMatrix, len(parts))
	}
	var h geometry.Homography
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d: %v", ErrMatrix, i, err)
		}
		h[i] = v
	}
	if !h.IsFinite() {
		return nil, fmt.Errorf("%w: non-finite value", ErrMatrix)
	}
	return &h, nil
}

// SaveINI writes the set to path. H_11 is written as identity; absent
// homographies are written as None.
func SaveINI(path string, s HomographySet) error {
	cfg := ini.Empty()
	for b := 0; b < image.BandCount; b++ {
		sec, err := cfg.NewSection(SectionName(b))
		if err != nil {
			return err
		}
		val := noneMatrix
		if h, ok := s.Get(b); ok {
			val = FormatMatrix(h)
		}
		if _, err := sec.NewKey(matrixKey, val); err != nil {
			return err
		}
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save transformation file: %w", err)
	}
	return nil
}

// LoadINI reads a set from path. A missing section or key and an explicit
// None both mean no transform for that band.
func LoadINI(path string) (HomographySet, error) {
	var s HomographySet
	cfg, err := ini.Load(path)
	if err != nil {
		return s, fmt.Errorf("failed to load transformation file: %w", err)
	}
	identity := geometry.Identity()
	s[ReferenceBand] = &identity
	for b := 1; b < image.BandCount; b++ {
		sec, err := cfg.GetSection(SectionName(b))
		if err != nil || !sec.HasKey(matrixKey) {
			continue
		}
		h, err := ParseMatrix(sec.Key(matrixKey).String())
		if err != nil {
			return HomographySet{}, fmt.Errorf("%s: %w", SectionName(b), err)
		}
		s[b] = h
	}
	return s, nil
}
