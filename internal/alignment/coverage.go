package alignment

import (
	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

// Coverage returns the fraction of the reference band that every target
// band still covers after rectification, with the overlap polygon in
// reference coordinates. Bands without a homography are left unwarped and
// cover the whole band. A homography that folds the band or sends a
// corner to infinity yields zero coverage.
func Coverage(set HomographySet) (float64, []geometry.Point2D) {
	w, h := float64(image.BandWidth), float64(image.FrameRows)
	full := geometry.Rect(w, h)
	overlap := full
	for b := 1; b < image.BandCount; b++ {
		hb, ok := set.Get(b)
		if !ok {
			continue
		}
		footprint, ok := geometry.MapPolygon(hb, full)
		if !ok {
			return 0, nil
		}
		if overlap = geometry.IntersectPolygons(overlap, footprint); overlap == nil {
			return 0, nil
		}
	}
	return geometry.Area(overlap) / (w * h), overlap
}

// Coverage is Coverage of the result's homographies.
func (r Result) Coverage() float64 {
	c, _ := Coverage(r.Set())
	return c
}
