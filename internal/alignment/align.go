// Package alignment registers the target bands of a frame onto the
// reference band: feature detection and matching, robust homography
// estimation, manual correspondences, persistence and warping.
package alignment

import (
	"errors"
	"fmt"
	goimage "image"
	"log/slog"
	"strconv"

	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
	"nbc-viewer/pkg/geometry"
)

// ReferenceBand is the band every other band is registered onto.
const ReferenceBand = 0

// ErrMinMatches is returned for a MinMatches below the homography floor.
var ErrMinMatches = errors.New("minimum match count below 4")

// Options configures the alignment process.
type Options struct {
	MinMatches int     // accepted matches required per band (>= 4)
	Ratio      float64 // Lowe ratio for the 2-NN test
	Threshold  float64 // RANSAC reprojection threshold in pixels
	Iterations int     // RANSAC iteration cap
	Confidence float64 // RANSAC early-exit confidence
	Seed       int64   // RANSAC sampling seed
}

// DefaultOptions returns default alignment options.
func DefaultOptions() Options {
	return Options{
		MinMatches: 10,
		Ratio:      0.75,
		Threshold:  5.0,
		Iterations: 2000,
		Confidence: 0.995,
		Seed:       1,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.MinMatches < minHomographyPoints {
		return fmt.Errorf("%w: %d", ErrMinMatches, o.MinMatches)
	}
	if o.Ratio <= 0 || o.Ratio > 1 {
		return fmt.Errorf("ratio must be in (0,1], got %g", o.Ratio)
	}
	if o.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %g", o.Threshold)
	}
	return nil
}

func (o Options) ransac() RANSACParams {
	return RANSACParams{Iterations: o.Iterations, Threshold: o.Threshold, Confidence: o.Confidence, Seed: o.Seed}
}

// Status is the per-band alignment state.
type Status int

const (
	StatusNotComputed Status = iota
	StatusComputed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusComputed:
		return "computed"
	case StatusFailed:
		return "failed"
	default:
		return "not computed"
	}
}

// BandResult holds the outcome and diagnostics for one band.
type BandResult struct {
	Band         int
	Status       Status
	Reason       string
	H            geometry.Homography
	RefKeypoints int
	Keypoints    int
	Matches      int
	Inliers      int
	MeanError    float64
}

// Result holds all four bands; band 0 is always computed as identity.
type Result struct {
	Bands [image.BandCount]BandResult
}

func newResult() Result {
	var r Result
	for i := range r.Bands {
		r.Bands[i].Band = i
	}
	r.Bands[ReferenceBand].Status = StatusComputed
	r.Bands[ReferenceBand].H = geometry.Identity()
	return r
}

// Set converts the result to the homographies a Rectifier consumes.
func (r Result) Set() HomographySet {
	var s HomographySet
	for i, b := range r.Bands {
		if b.Status == StatusComputed {
			h := b.H
			s[i] = &h
		}
	}
	return s
}

// Aligner estimates target-to-reference homographies from band images.
type Aligner struct {
	opts     Options
	detector Detector
	matcher  Matcher
	log      *slog.Logger
}

// NewAligner validates opts and returns an aligner.
func NewAligner(opts Options, detector Detector, matcher Matcher, logger *slog.Logger) (*Aligner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{opts: opts, detector: detector, matcher: matcher, log: logger}, nil
}

// Options returns the aligner configuration.
func (a *Aligner) Options() Options { return a.opts }

// Align registers bands 1..3 onto band 0. A band that cannot be aligned is
// marked failed with a reason; only a reference detection error aborts.
func (a *Aligner) Align(bands [image.BandCount]*goimage.Gray) (Result, error) {
	res := newResult()

	ref, err := a.detector.Detect(bands[ReferenceBand])
	if err != nil {
		return res, fmt.Errorf("reference band detection: %w", err)
	}
	a.log.Debug("reference keypoints", "count", ref.Len())

	for b := 1; b < image.BandCount; b++ {
		br := &res.Bands[b]
		br.RefKeypoints = ref.Len()
		a.alignBand(br, bands[b], ref)
		metrics.ObserveAlignment(strconv.Itoa(b), br.Status.String(), br.Inliers)
		if br.Status == StatusFailed {
			a.log.Warn("band alignment failed", "band", b, "reason", br.Reason,
				"keypoints", br.Keypoints, "matches", br.Matches)
		} else {
			a.log.Info("band aligned", "band", b, "matches", br.Matches,
				"inliers", br.Inliers, "mean_error", br.MeanError)
		}
	}
	return res, nil
}

func (a *Aligner) alignBand(br *BandResult, band *goimage.Gray, ref Features) {
	fail := func(format string, args ...any) {
		br.Status = StatusFailed
		br.Reason = fmt.Sprintf(format, args...)
	}

	target, err := a.detector.Detect(band)
	if err != nil {
		fail("detection: %v", err)
		return
	}
	br.Keypoints = target.Len()
	if target.Len() == 0 || ref.Len() == 0 {
		fail("no keypoints (reference=%d, target=%d)", ref.Len(), target.Len())
		return
	}

	knn, err := a.matcher.KnnMatch(target, ref, 2)
	if err != nil {
		fail("matching: %v", err)
		return
	}
	good := RatioTest(knn, a.opts.Ratio)
	br.Matches = len(good)
	if len(good) < a.opts.MinMatches {
		fail("insufficient matches: %d < %d", len(good), a.opts.MinMatches)
		return
	}

	src, dst, err := matchedPoints(good, target, ref)
	if err != nil {
		fail("%v", err)
		return
	}
	h, inliers, err := ComputeHomographyRANSAC(src, dst, a.opts.ransac())
	if err != nil {
		fail("homography: %v", err)
		return
	}
	br.Inliers = len(inliers)
	br.H = h
	br.MeanError = MeanReprojectionError(h, src, dst, inliers)
	br.Status = StatusComputed
}

// ManualPoint holds one correspondence seen in all four bands.
type ManualPoint [image.BandCount]geometry.Point2D

// AlignManual fits each target band against the shared reference points
// with the same RANSAC estimator as Align, so a mis-picked tuple ends up
// an outlier. At least four tuples are required.
func AlignManual(points []ManualPoint, opts Options) (Result, error) {
	res := newResult()
	if len(points) < minHomographyPoints {
		return res, fmt.Errorf("need at least %d point tuples, got %d: %w", minHomographyPoints, len(points), ErrDegenerate)
	}
	dst := make([]geometry.Point2D, len(points))
	for i, p := range points {
		dst[i] = p[ReferenceBand]
	}
	for b := 1; b < image.BandCount; b++ {
		br := &res.Bands[b]
		src := make([]geometry.Point2D, len(points))
		for i, p := range points {
			src[i] = p[b]
		}
		br.Matches = len(points)
		h, inliers, err := ComputeHomographyRANSAC(src, dst, opts.ransac())
		if err != nil {
			br.Status = StatusFailed
			br.Reason = fmt.Sprintf("homography: %v", err)
			continue
		}
		br.H = h
		br.Inliers = len(inliers)
		br.MeanError = MeanReprojectionError(h, src, dst, inliers)
		br.Status = StatusComputed
	}
	return res, nil
}
