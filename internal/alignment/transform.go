package alignment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"nbc-viewer/pkg/geometry"
)

// minHomographyPoints is the smallest correspondence set that fixes a planar
// homography.
const minHomographyPoints = 4

// ErrDegenerate is returned when the correspondences cannot define a
// homography (too few, collinear or coincident points).
var ErrDegenerate = errors.New("degenerate point configuration")

// RANSACParams controls robust estimation.
type RANSACParams struct {
	Iterations int     // upper bound on sampling rounds
	Threshold  float64 // reprojection threshold in pixels
	Confidence float64 // early exit once this probability is reached (0 disables)
	Seed       int64
}

// ComputeHomographyRANSAC estimates the homography mapping src onto dst
// using RANSAC over 4-point samples, then refits on all inliers with a
// normalised DLT. It returns the inlier indices.
func ComputeHomographyRANSAC(src, dst []geometry.Point2D, p RANSACParams) (geometry.Homography, []int, error) {
	if len(src) != len(dst) {
		return geometry.Homography{}, nil, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	n := len(src)
	if n < minHomographyPoints {
		return geometry.Homography{}, nil, fmt.Errorf("need at least %d points, got %d: %w", minHomographyPoints, n, ErrDegenerate)
	}

	rng := rand.New(rand.NewSource(p.Seed))
	maxIter := p.Iterations
	if maxIter <= 0 {
		maxIter = 2000
	}

	var bestInliers []int
	var bestH geometry.Homography
	sample := make([]geometry.Point2D, minHomographyPoints)
	target := make([]geometry.Point2D, minHomographyPoints)

	for iter := 0; iter < maxIter; iter++ {
		indices := rng.Perm(n)[:minHomographyPoints]
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}
		if degenerateSample(sample) || degenerateSample(target) {
			continue
		}

		h, err := computeHomographyDLT(sample, target)
		if err != nil {
			continue
		}

		inliers := countInliers(h, src, dst, p.Threshold)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestH = h
			if p.Confidence > 0 {
				if need := requiredIterations(len(inliers), n, p.Confidence); need < maxIter {
					maxIter = need
				}
			}
		}
	}

	if len(bestInliers) < minHomographyPoints {
		return geometry.Homography{}, nil, fmt.Errorf("RANSAC found %d inliers: %w", len(bestInliers), ErrDegenerate)
	}

	// Recompute using all inliers
	inSrc := make([]geometry.Point2D, len(bestInliers))
	inDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inSrc[i] = src[idx]
		inDst[i] = dst[idx]
	}
	refit, err := computeHomographyDLT(inSrc, inDst)
	if err != nil {
		return bestH, bestInliers, nil
	}
	// Keep the refit only if it does not lose inliers.
	if again := countInliers(refit, src, dst, p.Threshold); len(again) >= len(bestInliers) {
		return refit, again, nil
	}
	return bestH, bestInliers, nil
}

// requiredIterations is the standard RANSAC stopping bound for 4-point
// samples at the given inlier ratio.
func requiredIterations(inliers, n int, confidence float64) int {
	w := float64(inliers) / float64(n)
	denom := math.Log(1 - math.Pow(w, minHomographyPoints))
	if w >= 1 || denom == 0 {
		return 0
	}
	if math.IsInf(denom, -1) {
		return 0
	}
	k := math.Log(1-confidence) / denom
	if k < 0 || math.IsNaN(k) {
		return 0
	}
	return int(math.Ceil(k))
}

func countInliers(h geometry.Homography, src, dst []geometry.Point2D, threshold float64) []int {
	var inliers []int
	for i := range src {
		if h.ReprojectionError(src[i], dst[i]) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// degenerateSample reports whether any three of the four points are
// collinear.
func degenerateSample(pts []geometry.Point2D) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if geometry.Collinear(pts[i], pts[j], pts[k], 1e-6) {
					return true
				}
			}
		}
	}
	return false
}

// normalization returns the similarity that moves the centroid to the
// origin and scales the mean distance to sqrt(2).
func normalization(pts []geometry.Point2D) (geometry.Homography, bool) {
	c := geometry.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	if mean < 1e-12 {
		return geometry.Homography{}, false
	}
	s := math.Sqrt2 / mean
	return geometry.Homography{s, 0, -s * c.X, 0, s, -s * c.Y, 0, 0, 1}, true
}

// computeHomographyDLT solves the direct linear transform with Hartley
// normalisation. The solution is the right singular vector of the smallest
// singular value.
func computeHomographyDLT(src, dst []geometry.Point2D) (geometry.Homography, error) {
	n := len(src)
	ts, ok1 := normalization(src)
	td, ok2 := normalization(dst)
	if !ok1 || !ok2 {
		return geometry.Homography{}, ErrDegenerate
	}

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		s, _ := ts.Apply(src[i])
		d, _ := td.Apply(dst[i])
		x, y, u, v := s.X, s.Y, d.X, d.Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return geometry.Homography{}, fmt.Errorf("SVD failed to converge")
	}
	var V mat.Dense
	svd.VTo(&V)

	var hn geometry.Homography
	for i := 0; i < 9; i++ {
		hn[i] = V.At(i, 8)
	}

	// Denormalise: H = Td^-1 * Hn * Ts
	tdInv, ok := td.Inverse()
	if !ok {
		return geometry.Homography{}, ErrDegenerate
	}
	h := tdInv.Compose(hn).Compose(ts)
	if math.Abs(h[8]) < 1e-12 || !h.IsFinite() {
		return geometry.Homography{}, ErrDegenerate
	}
	h = h.Normalized()
	if math.Abs(h.Determinant()) < 1e-9 {
		return geometry.Homography{}, ErrDegenerate
	}
	return h, nil
}

// MeanReprojectionError averages |h(src)-dst| over the given indices (all
// points when idx is nil).
func MeanReprojectionError(h geometry.Homography, src, dst []geometry.Point2D, idx []int) float64 {
	if idx == nil {
		idx = make([]int, len(src))
		for i := range idx {
			idx[i] = i
		}
	}
	if len(idx) == 0 {
		return math.Inf(1)
	}
	var total float64
	for _, i := range idx {
		total += h.ReprojectionError(src[i], dst[i])
	}
	return total / float64(len(idx))
}
