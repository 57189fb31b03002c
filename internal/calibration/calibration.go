// Package calibration estimates per-band dark noise and reference radiance
// from static calibration captures.
package calibration

import (
	"errors"
	"fmt"
	goimage "image"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"nbc-viewer/internal/image"
)

// ROISize is the side of the centred averaging window.
const ROISize = 100

var (
	// ErrNoDarkNoise is returned when reference radiance is requested
	// before dark noise exists.
	ErrNoDarkNoise = errors.New("dark noise not estimated")
	// ErrFilename means the exposure tokens could not be read from a
	// reference file name.
	ErrFilename = errors.New("reference file name does not carry four exposure values")
)

// ROIMean averages the centred ROISize x ROISize window of g, clamped to
// the image bounds. An empty window yields 0.
func ROIMean(g *goimage.Gray) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	cx, cy := w/2, h/2
	x1, x2 := max(0, cx-ROISize/2), min(w, cx+ROISize/2)
	y1, y2 := max(0, cy-ROISize/2), min(h, cy+ROISize/2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	vals := make([]float64, 0, (x2-x1)*(y2-y1))
	for y := y1; y < y2; y++ {
		off := g.PixOffset(b.Min.X+x1, b.Min.Y+y)
		for _, v := range g.Pix[off : off+(x2-x1)] {
			vals = append(vals, float64(v))
		}
	}
	return stat.Mean(vals, nil)
}

// DarkNoise returns the ROI mean of every band.
func DarkNoise(bands [image.BandCount]*goimage.Gray) [image.BandCount]float64 {
	var out [image.BandCount]float64
	for i, b := range bands {
		out[i] = ROIMean(b)
	}
	return out
}

// ParseExposureTokens reads the last four underscore-separated tokens of the
// base name (extension removed) as exposure x 100 integers. At least six
// tokens are required (date, time and four exposures).
func ParseExposureTokens(path string) ([image.BandCount]int, error) {
	var toks [image.BandCount]int
	base := filepath.Base(path)
	root := strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(root, "_")
	if len(parts) < 6 {
		return toks, fmt.Errorf("%s: %w", base, ErrFilename)
	}
	tail := parts[len(parts)-image.BandCount:]
	for i, p := range tail {
		v, err := strconv.Atoi(p)
		if err != nil {
			return toks, fmt.Errorf("%s: token %q: %w", base, p, ErrFilename)
		}
		toks[i] = v
	}
	return toks, nil
}

// TokenMs converts a file-name token to milliseconds. A zero token means
// 1 ms.
func TokenMs(tok int) float64 {
	if tok == 0 {
		return 1.0
	}
	return float64(tok) / 100.0
}

// ReferenceRadiance computes (ROI mean - dark) / exposure_ms per band.
func ReferenceRadiance(bands [image.BandCount]*goimage.Gray, dark [image.BandCount]float64, toks [image.BandCount]int) [image.BandCount]float64 {
	var out [image.BandCount]float64
	for i, b := range bands {
		out[i] = (ROIMean(b) - dark[i]) / TokenMs(toks[i])
	}
	return out
}
