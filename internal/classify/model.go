// Package classify runs pixel classification models over stacks of
// reflectance and raster tiles.
package classify

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model predicts one class label per row of X (pixels x features).
type Model interface {
	Predict(X *mat.Dense) ([]float64, error)
}

// FeatureCounter is implemented by models that know their input width.
// Zero means unknown.
type FeatureCounter interface {
	NumFeatures() int
}

// ClassLister is implemented by models that know their labels. Nil means
// unknown.
type ClassLister interface {
	Classes() []float64
}

// NumFeatures returns the model's feature count, or 0 when unknown.
func NumFeatures(m Model) int {
	if fc, ok := m.(FeatureCounter); ok {
		return fc.NumFeatures()
	}
	return 0
}

// Classes returns the model's labels, or nil when unknown.
func Classes(m Model) []float64 {
	if cl, ok := m.(ClassLister); ok {
		return cl.Classes()
	}
	return nil
}

// CentroidModel assigns each pixel the label of the nearest centroid by
// Euclidean distance. Ties go to the first centroid.
type CentroidModel struct {
	Labels    []float64
	Centroids [][]float64
}

func (m *CentroidModel) validate() error {
	if len(m.Centroids) == 0 {
		return fmt.Errorf("centroid model has no centroids")
	}
	if len(m.Labels) != len(m.Centroids) {
		return fmt.Errorf("centroid model has %d labels for %d centroids", len(m.Labels), len(m.Centroids))
	}
	n := len(m.Centroids[0])
	if n == 0 {
		return fmt.Errorf("centroid model has empty centroids")
	}
	for i, c := range m.Centroids {
		if len(c) != n {
			return fmt.Errorf("centroid %d has %d features, want %d", i, len(c), n)
		}
	}
	return nil
}

// NumFeatures implements FeatureCounter.
func (m *CentroidModel) NumFeatures() int { return len(m.Centroids[0]) }

// Classes implements ClassLister.
func (m *CentroidModel) Classes() []float64 { return sortedUnique(m.Labels) }

// Predict implements Model.
func (m *CentroidModel) Predict(X *mat.Dense) ([]float64, error) {
	rows, cols := X.Dims()
	if cols != m.NumFeatures() {
		return nil, fmt.Errorf("%w: model expects %d, got %d", ErrFeatureCount, m.NumFeatures(), cols)
	}
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		row := X.RawRowView(r)
		best, bestDist := 0, math.Inf(1)
		for i, c := range m.Centroids {
			if d := floats.Distance(row, c, 2); d < bestDist {
				best, bestDist = i, d
			}
		}
		out[r] = m.Labels[best]
	}
	return out, nil
}

// TreeNode is one node of a decision tree stored as a flat slice. Leaves
// carry Value; inner nodes send rows with X[Feature] <= Threshold to Left.
type TreeNode struct {
	Leaf      bool    `yaml:"leaf,omitempty"`
	Value     float64 `yaml:"value,omitempty"`
	Feature   int     `yaml:"feature,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	Left      int     `yaml:"left,omitempty"`
	Right     int     `yaml:"right,omitempty"`
}

// Tree is a decision tree rooted at node 0.
type Tree []TreeNode

func (t Tree) validate(features int) error {
	if len(t) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= features {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, features)
		}
		// Children must come later so evaluation always terminates.
		if n.Left <= i || n.Right <= i || n.Left >= len(t) || n.Right >= len(t) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

func (t Tree) predict(row []float64) float64 {
	i := 0
	for !t[i].Leaf {
		if row[t[i].Feature] <= t[i].Threshold {
			i = t[i].Left
		} else {
			i = t[i].Right
		}
	}
	return t[i].Value
}

// ForestModel is an ensemble of decision trees voting by majority. Ties
// resolve to the smallest label.
type ForestModel struct {
	Features int
	Trees    []Tree
}

func (m *ForestModel) validate() error {
	if m.Features <= 0 {
		return fmt.Errorf("forest model needs a positive feature count")
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("forest model has no trees")
	}
	for i, t := range m.Trees {
		if err := t.validate(m.Features); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// NumFeatures implements FeatureCounter.
func (m *ForestModel) NumFeatures() int { return m.Features }

// Classes implements ClassLister.
func (m *ForestModel) Classes() []float64 {
	var labels []float64
	for _, t := range m.Trees {
		for _, n := range t {
			if n.Leaf {
				labels = append(labels, n.Value)
			}
		}
	}
	return sortedUnique(labels)
}

// Predict implements Model.
func (m *ForestModel) Predict(X *mat.Dense) ([]float64, error) {
	rows, cols := X.Dims()
	if cols != m.Features {
		return nil, fmt.Errorf("%w: model expects %d, got %d", ErrFeatureCount, m.Features, cols)
	}
	out := make([]float64, rows)
	votes := make(map[float64]int)
	for r := 0; r < rows; r++ {
		row := X.RawRowView(r)
		clear(votes)
		for _, t := range m.Trees {
			votes[t.predict(row)]++
		}
		best, bestVotes := math.Inf(1), -1
		for label, n := range votes {
			if n > bestVotes || (n == bestVotes && label < best) {
				best, bestVotes = label, n
			}
		}
		out[r] = best
	}
	return out, nil
}

func sortedUnique(vals []float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
