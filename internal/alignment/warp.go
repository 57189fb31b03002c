package alignment

import (
	"fmt"
	goimage "image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

// WarpPerspective warps src with h into a width x height output using
// bilinear interpolation and a constant zero border.
func WarpPerspective(src gocv.Mat, h geometry.Homography, width, height int) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer m.Close()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h.At(r, c))
		}
	}

	dst := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(src, &dst, m, goimage.Point{X: width, Y: height},
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{R: 0, G: 0, B: 0, A: 0})
	return dst
}

// WarpBand maps a target band into the reference frame. The output has
// the band's own shape.
func WarpBand(band *goimage.Gray, h geometry.Homography) (*goimage.Gray, error) {
	src, err := gocv.ImageGrayToMatGray(band)
	if err != nil {
		return nil, fmt.Errorf("convert band: %w", err)
	}
	defer src.Close()

	b := band.Bounds()
	dst := WarpPerspective(src, h, b.Dx(), b.Dy())
	defer dst.Close()

	img, err := dst.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert warped band: %w", err)
	}
	return image.ToGray(img), nil
}

// Rectifier applies the current homography set to frames.
type Rectifier struct {
	mu  sync.RWMutex
	set HomographySet
}

// NewRectifier creates a rectifier with the given set.
func NewRectifier(set HomographySet) *Rectifier {
	return &Rectifier{set: set}
}

// SetHomographies replaces the homography set.
func (r *Rectifier) SetHomographies(set HomographySet) {
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
}

// Homographies returns the current set.
func (r *Rectifier) Homographies() HomographySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.set
}

// RectifyBands warps every target band that has a homography. Bands
// without one are returned unchanged and listed in degraded.
func (r *Rectifier) RectifyBands(bands [image.BandCount]*goimage.Gray) (out [image.BandCount]*goimage.Gray, degraded []int, err error) {
	set := r.Homographies()
	out[ReferenceBand] = bands[ReferenceBand]
	for b := 1; b < image.BandCount; b++ {
		h, ok := set.Get(b)
		if !ok {
			out[b] = bands[b]
			degraded = append(degraded, b)
			continue
		}
		warped, werr := WarpBand(bands[b], h)
		if werr != nil {
			return out, degraded, fmt.Errorf("band %d: %w", b, werr)
		}
		out[b] = warped
	}
	return out, degraded, nil
}

// RectifyFrame splits f, rectifies the bands and joins them again.
func (r *Rectifier) RectifyFrame(f *image.Frame) (*image.Frame, []int, error) {
	bands, degraded, err := r.RectifyBands(f.Split())
	if err != nil {
		return nil, degraded, err
	}
	out, err := image.Join(bands)
	if err != nil {
		return nil, degraded, err
	}
	return out, degraded, nil
}
