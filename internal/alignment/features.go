package alignment

import (
	"fmt"
	goimage "image"
	"math/bits"
	"sort"

	"gocv.io/x/gocv"

	"nbc-viewer/pkg/geometry"
)

// Features are keypoint locations with one binary descriptor per point.
type Features struct {
	Points      []geometry.Point2D
	Descriptors [][]byte
}

// Len is the number of keypoints.
func (f Features) Len() int { return len(f.Points) }

// Match pairs query descriptor Query with train descriptor Train.
type Match struct {
	Query    int
	Train    int
	Distance float64
}

// Detector finds keypoints and binary descriptors in one band.
type Detector interface {
	Detect(band *goimage.Gray) (Features, error)
}

// Matcher returns up to k nearest train descriptors for every query
// descriptor, best first.
type Matcher interface {
	KnnMatch(query, train Features, k int) ([][]Match, error)
}

// RatioTest keeps the best match of every pair whose distance is strictly
// below ratio times the second best. Entries with fewer than two
// candidates are dropped.
func RatioTest(knn [][]Match, ratio float64) []Match {
	var good []Match
	for _, m := range knn {
		if len(m) < 2 {
			continue
		}
		if m[0].Distance < ratio*m[1].Distance {
			good = append(good, m[0])
		}
	}
	return good
}

// HammingMatcher is a brute-force Hamming matcher in pure Go.
type HammingMatcher struct{}

// KnnMatch implements Matcher.
func (HammingMatcher) KnnMatch(query, train Features, k int) ([][]Match, error) {
	out := make([][]Match, len(query.Descriptors))
	for qi, qd := range query.Descriptors {
		cands := make([]Match, 0, len(train.Descriptors))
		for ti, td := range train.Descriptors {
			if len(td) != len(qd) {
				return nil, fmt.Errorf("descriptor length mismatch: %d vs %d", len(qd), len(td))
			}
			cands = append(cands, Match{Query: qi, Train: ti, Distance: float64(hamming(qd, td))})
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].Distance < cands[b].Distance })
		if len(cands) > k {
			cands = cands[:k]
		}
		out[qi] = cands
	}
	return out, nil
}

func hamming(a, b []byte) int {
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

// AKAZEDetector detects AKAZE keypoints with OpenCV.
type AKAZEDetector struct{}

// Detect implements Detector.
func (AKAZEDetector) Detect(band *goimage.Gray) (Features, error) {
	img, err := gocv.ImageGrayToMatGray(band)
	if err != nil {
		return Features{}, fmt.Errorf("convert band: %w", err)
	}
	defer img.Close()

	akaze := gocv.NewAKAZE()
	defer akaze.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := akaze.DetectAndCompute(img, mask)
	defer desc.Close()

	f := Features{Points: make([]geometry.Point2D, len(kps))}
	for i, kp := range kps {
		f.Points[i] = geometry.NewPoint2D(kp.X, kp.Y)
	}
	if desc.Empty() {
		f.Points = f.Points[:0]
		return f, nil
	}
	f.Descriptors = matRows(desc)
	return f, nil
}

// matRows copies an 8-bit descriptor matrix into one slice per row.
func matRows(m gocv.Mat) [][]byte {
	rows, cols := m.Rows(), m.Cols()
	data := m.ToBytes()
	out := make([][]byte, rows)
	for r := 0; r < rows; r++ {
		row := make([]byte, cols)
		copy(row, data[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out
}

// rowsMat packs descriptors back into an 8-bit matrix.
func rowsMat(rows [][]byte) (gocv.Mat, error) {
	if len(rows) == 0 {
		return gocv.NewMat(), nil
	}
	cols := len(rows[0])
	buf := make([]byte, 0, len(rows)*cols)
	for _, r := range rows {
		if len(r) != cols {
			return gocv.Mat{}, fmt.Errorf("descriptor length mismatch: %d vs %d", cols, len(r))
		}
		buf = append(buf, r...)
	}
	// The Mat borrows buf; clone so it owns its data.
	view, err := gocv.NewMatFromBytes(len(rows), cols, gocv.MatTypeCV8U, buf)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer view.Close()
	return view.Clone(), nil
}

// BFMatcher is OpenCV's brute-force matcher with the Hamming norm and no
// cross check.
type BFMatcher struct{}

// KnnMatch implements Matcher.
func (BFMatcher) KnnMatch(query, train Features, k int) ([][]Match, error) {
	if len(query.Descriptors) == 0 || len(train.Descriptors) == 0 {
		return nil, nil
	}
	q, err := rowsMat(query.Descriptors)
	if err != nil {
		return nil, err
	}
	defer q.Close()
	t, err := rowsMat(train.Descriptors)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()

	raw := bf.KnnMatch(q, t, k)
	out := make([][]Match, len(raw))
	for i, ms := range raw {
		row := make([]Match, len(ms))
		for j, m := range ms {
			row[j] = Match{Query: m.QueryIdx, Train: m.TrainIdx, Distance: m.Distance}
		}
		out[i] = row
	}
	return out, nil
}

// matchedPoints returns (target, reference) coordinates of each match,
// where Query indexes the target and Train the reference.
func matchedPoints(matches []Match, target, ref Features) (src, dst []geometry.Point2D, err error) {
	src = make([]geometry.Point2D, len(matches))
	dst = make([]geometry.Point2D, len(matches))
	for i, m := range matches {
		if m.Query < 0 || m.Query >= target.Len() || m.Train < 0 || m.Train >= ref.Len() {
			return nil, nil, fmt.Errorf("match %d indexes out of range", i)
		}
		src[i] = target.Points[m.Query]
		dst[i] = ref.Points[m.Train]
	}
	return src, dst, nil
}
