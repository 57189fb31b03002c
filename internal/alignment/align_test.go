package alignment

import (
	"errors"
	goimage "image"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDetector returns canned features keyed by band image.
type fakeDetector struct {
	features map[*goimage.Gray]Features
	err      map[*goimage.Gray]error
}

func (d *fakeDetector) Detect(band *goimage.Gray) (Features, error) {
	if err := d.err[band]; err != nil {
		return Features{}, err
	}
	return d.features[band], nil
}

func newBands() [image.BandCount]*goimage.Gray {
	var bands [image.BandCount]*goimage.Gray
	for i := range bands {
		bands[i] = goimage.NewGray(goimage.Rect(0, 0, image.BandWidth, image.FrameRows))
	}
	return bands
}

func randomDescriptors(rng *rand.Rand, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		d := make([]byte, 61)
		rng.Read(d)
		out[i] = d
	}
	return out
}

// syntheticScene places n reference keypoints and derives the target
// keypoints such that h maps target onto reference.
func syntheticScene(t *testing.T, h geometry.Homography, n int, seed int64) (ref, target Features) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	inv, ok := h.Inverse()
	require.True(t, ok)

	desc := randomDescriptors(rng, n)
	ref = Features{Descriptors: desc}
	target = Features{Descriptors: make([][]byte, n)}
	for i := 0; i < n; i++ {
		p := geometry.NewPoint2D(40+rng.Float64()*560, 40+rng.Float64()*400)
		q, ok := inv.Apply(p)
		require.True(t, ok)
		ref.Points = append(ref.Points, p)
		// Reverse the order in the target so indices differ.
		target.Points = append([]geometry.Point2D{q}, target.Points...)
		target.Descriptors[n-1-i] = desc[i]
	}
	return ref, target
}

func TestRatioTest(t *testing.T) {
	knn := [][]Match{
		{{Query: 0, Train: 3, Distance: 10}, {Query: 0, Train: 1, Distance: 20}},
		{{Query: 1, Train: 2, Distance: 15}, {Query: 1, Train: 0, Distance: 20}},
		{{Query: 2, Train: 2, Distance: 1}},
		{{Query: 3, Train: 0, Distance: 0}, {Query: 3, Train: 1, Distance: 0}},
	}
	good := RatioTest(knn, 0.75)
	require.Len(t, good, 1)
	assert.Equal(t, 3, good[0].Train)
}

func TestHammingMatcher(t *testing.T) {
	train := Features{Descriptors: [][]byte{{0x00, 0x00}, {0xff, 0x00}, {0x0f, 0x00}}}
	query := Features{Descriptors: [][]byte{{0x0e, 0x00}}}
	knn, err := HammingMatcher{}.KnnMatch(query, train, 2)
	require.NoError(t, err)
	require.Len(t, knn[0], 2)
	assert.Equal(t, 2, knn[0][0].Train)
	assert.Equal(t, 1.0, knn[0][0].Distance)
	assert.Equal(t, 0, knn[0][1].Train)
	assert.Equal(t, 3.0, knn[0][1].Distance)
}

func TestRANSACRecoversHomographyWithOutliers(t *testing.T) {
	h := geometry.Homography{1.01, 0.02, 12.5, -0.015, 0.99, -7.25, 1e-5, -2e-5, 1}
	rng := rand.New(rand.NewSource(3))
	var src, dst []geometry.Point2D
	for i := 0; i < 60; i++ {
		p := geometry.NewPoint2D(rng.Float64()*640, rng.Float64()*480)
		q, _ := h.Apply(p)
		if i%5 == 0 {
			q = geometry.NewPoint2D(rng.Float64()*640, rng.Float64()*480)
		}
		src = append(src, p)
		dst = append(dst, q)
	}
	p := DefaultOptions().ransac()
	got, inliers, err := ComputeHomographyRANSAC(src, dst, p)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(inliers), 48)
	assert.True(t, got.ApproxEqual(h, 1e-4), "got %v want %v", got, h)
}

func TestRANSACRejectsDegenerateInput(t *testing.T) {
	line := []geometry.Point2D{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 4}}
	_, _, err := ComputeHomographyRANSAC(line, line, DefaultOptions().ransac())
	assert.ErrorIs(t, err, ErrDegenerate)

	_, _, err = ComputeHomographyRANSAC(line[:3], line[:3], DefaultOptions().ransac())
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestOptionsFloor(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 10, opts.MinMatches)
	require.NoError(t, opts.Validate())

	opts.MinMatches = 3
	_, err := NewAligner(opts, &fakeDetector{}, HammingMatcher{}, quietLogger())
	assert.ErrorIs(t, err, ErrMinMatches)

	opts.MinMatches = 4
	_, err = NewAligner(opts, &fakeDetector{}, HammingMatcher{}, quietLogger())
	assert.NoError(t, err)
}

func TestAlignSyntheticBands(t *testing.T) {
	bands := newBands()
	truth := [image.BandCount]geometry.Homography{
		geometry.Identity(),
		geometry.Translation(6, -3),
		{1, 0.01, -4, -0.01, 1, 2, 0, 0, 1},
		geometry.Translation(0, 0),
	}
	det := &fakeDetector{features: map[*goimage.Gray]Features{}}

	ref, t1 := syntheticScene(t, truth[1], 40, 1)
	det.features[bands[0]] = ref
	det.features[bands[1]] = t1

	// Band 2 reuses the reference descriptors with different geometry.
	inv2, _ := truth[2].Inverse()
	t2 := Features{Descriptors: ref.Descriptors}
	for _, p := range ref.Points {
		q, _ := inv2.Apply(p)
		t2.Points = append(t2.Points, q)
	}
	det.features[bands[2]] = t2

	// Band 3 has too few keypoints.
	det.features[bands[3]] = Features{Points: ref.Points[:5], Descriptors: ref.Descriptors[:5]}

	a, err := NewAligner(DefaultOptions(), det, HammingMatcher{}, quietLogger())
	require.NoError(t, err)
	res, err := a.Align(bands)
	require.NoError(t, err)

	assert.Equal(t, StatusComputed, res.Bands[0].Status)
	for _, b := range []int{1, 2} {
		br := res.Bands[b]
		require.Equal(t, StatusComputed, br.Status, "band %d: %s", b, br.Reason)
		assert.Equal(t, 40, br.Matches)
		assert.Equal(t, 40, br.Inliers)
		assert.Equal(t, 40, br.RefKeypoints)
		assert.True(t, br.H.ApproxEqual(truth[b], 1e-6), "band %d: %v", b, br.H)
		assert.Less(t, br.MeanError, 1e-6)
	}

	br := res.Bands[3]
	assert.Equal(t, StatusFailed, br.Status)
	assert.Contains(t, br.Reason, "insufficient matches")

	set := res.Set()
	assert.Equal(t, []int{3}, set.Missing())
}

func TestAlignIdenticalBandsGivesIdentity(t *testing.T) {
	bands := newBands()
	ref, _ := syntheticScene(t, geometry.Identity(), 30, 9)
	det := &fakeDetector{features: map[*goimage.Gray]Features{}}
	for _, b := range bands {
		det.features[b] = ref
	}
	a, err := NewAligner(DefaultOptions(), det, HammingMatcher{}, quietLogger())
	require.NoError(t, err)
	res, err := a.Align(bands)
	require.NoError(t, err)
	for b := 1; b < image.BandCount; b++ {
		require.Equal(t, StatusComputed, res.Bands[b].Status)
		assert.True(t, res.Bands[b].H.ApproxEqual(geometry.Identity(), 1e-6))
	}
}

func TestAlignFeaturelessBandsFail(t *testing.T) {
	bands := newBands()
	a, err := NewAligner(DefaultOptions(), &fakeDetector{}, HammingMatcher{}, quietLogger())
	require.NoError(t, err)
	res, err := a.Align(bands)
	require.NoError(t, err)
	for b := 1; b < image.BandCount; b++ {
		assert.Equal(t, StatusFailed, res.Bands[b].Status)
		assert.Contains(t, res.Bands[b].Reason, "no keypoints")
	}
	assert.Len(t, res.Set().Missing(), 3)
}

func TestAlignReferenceDetectionError(t *testing.T) {
	bands := newBands()
	det := &fakeDetector{err: map[*goimage.Gray]error{bands[0]: errors.New("boom")}}
	a, err := NewAligner(DefaultOptions(), det, HammingMatcher{}, quietLogger())
	require.NoError(t, err)
	_, err = a.Align(bands)
	assert.Error(t, err)
}

func TestAlignManual(t *testing.T) {
	h := geometry.Translation(5, 7)
	inv, _ := h.Inverse()
	var pts []ManualPoint
	for _, p := range []geometry.Point2D{{10, 10}, {600, 20}, {590, 450}, {30, 470}, {300, 240}} {
		q, _ := inv.Apply(p)
		pts = append(pts, ManualPoint{p, q, q, p})
	}
	res, err := AlignManual(pts, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Bands[1].H.ApproxEqual(h, 1e-6))
	assert.True(t, res.Bands[3].H.ApproxEqual(geometry.Identity(), 1e-6))
	assert.Equal(t, len(pts), res.Bands[1].Inliers)

	_, err = AlignManual(pts[:3], DefaultOptions())
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestAlignManualRejectsMisclickedTuple(t *testing.T) {
	h := geometry.Translation(10, 5)
	inv, _ := h.Inverse()
	ref := []geometry.Point2D{
		{20, 15}, {610, 30}, {600, 460}, {40, 470},
		{320, 240}, {150, 380}, {480, 120}, {250, 60},
	}
	var pts []ManualPoint
	for _, p := range ref {
		q, _ := inv.Apply(p)
		pts = append(pts, ManualPoint{p, q, p, q})
	}
	// One tuple has its band 1 point picked far from the feature.
	pts[4][1] = geometry.Point2D{X: pts[4][1].X + 60, Y: pts[4][1].Y - 45}

	res, err := AlignManual(pts, DefaultOptions())
	require.NoError(t, err)

	b := res.Bands[1]
	require.Equal(t, StatusComputed, b.Status)
	assert.Equal(t, len(pts)-1, b.Inliers)
	assert.Less(t, b.MeanError, 1e-6)
	for i, p := range ref {
		if i == 4 {
			continue
		}
		q, _ := inv.Apply(p)
		mapped, ok := b.H.Apply(q)
		require.True(t, ok)
		assert.InDelta(t, p.X, mapped.X, 1e-6)
		assert.InDelta(t, p.Y, mapped.Y, 1e-6)
	}

	assert.Equal(t, len(pts), res.Bands[2].Inliers)
	assert.True(t, res.Bands[2].H.ApproxEqual(geometry.Identity(), 1e-6))
	assert.Equal(t, len(pts), res.Bands[3].Inliers)
}

func TestAlignManualFailsBandWithoutConsensus(t *testing.T) {
	ref := []geometry.Point2D{{20, 15}, {610, 30}, {600, 460}, {40, 470}}
	var pts []ManualPoint
	for _, p := range ref {
		pts = append(pts, ManualPoint{p, p, {X: 300, Y: 200}, p})
	}
	res, err := AlignManual(pts, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusComputed, res.Bands[1].Status)
	assert.Equal(t, StatusFailed, res.Bands[2].Status)
	assert.Contains(t, res.Bands[2].Reason, "homography")
	_, ok := res.Set().Get(2)
	assert.False(t, ok)
}

func TestINIRoundTripWithNone(t *testing.T) {
	h2 := geometry.Homography{1.5, 0.25, -3, 0, 1, 2.125, 1e-4, 0, 1}
	h4 := geometry.Translation(-1, 4)
	var set HomographySet
	set[1] = &h2
	set[3] = &h4

	path := filepath.Join(t.TempDir(), "transform.ini")
	require.NoError(t, SaveINI(path, set))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[H_11]")
	assert.Contains(t, string(data), "None")

	got, err := LoadINI(path)
	require.NoError(t, err)
	g0, ok := got.Get(0)
	require.True(t, ok)
	assert.Equal(t, geometry.Identity(), g0)
	require.NotNil(t, got[1])
	assert.Equal(t, h2, *got[1])
	assert.Nil(t, got[2])
	assert.Equal(t, h4, *got[3])
}

func TestLoadINIMissingKeyAndMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.ini")
	require.NoError(t, os.WriteFile(path, []byte("[H_11]\nmatrix = 1,0,0,0,1,0,0,0,1\n[H_21]\n"), 0644))
	set, err := LoadINI(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, set.Missing())
	assert.False(t, set.Any())

	bad := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(bad, []byte("[H_31]\nmatrix = 1,2,3\n"), 0644))
	_, err = LoadINI(bad)
	assert.ErrorIs(t, err, ErrMatrix)

	_, err = ParseMatrix("1,0,0,0,x,0,0,0,1")
	assert.ErrorIs(t, err, ErrMatrix)
}

func TestCoverage(t *testing.T) {
	c, overlap := Coverage(HomographySet{})
	assert.Equal(t, 1.0, c)
	assert.Len(t, overlap, 4)

	shift := geometry.Translation(-3, 2)
	back := geometry.Translation(1, -1)
	c, _ = Coverage(HomographySet{nil, &shift, &back, nil})
	// Intersection of [-3,637]x[2,482], [1,641]x[-1,479] and the band.
	want := float64((637-1)*(479-2)) / float64(image.BandWidth*image.FrameRows)
	assert.InDelta(t, want, c, 1e-9)

	far := geometry.Translation(float64(image.BandWidth)+10, 0)
	c, overlap = Coverage(HomographySet{nil, &far})
	assert.Zero(t, c)
	assert.Nil(t, overlap)

	res := newResult()
	res.Bands[1].Status = StatusComputed
	res.Bands[1].H = shift
	assert.InDelta(t, float64(637*478)/float64(image.BandWidth*image.FrameRows), res.Coverage(), 1e-9)
}
