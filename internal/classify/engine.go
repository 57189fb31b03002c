package classify

import (
	"errors"
	"fmt"
	goimage "image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
	"nbc-viewer/internal/raster"
	"nbc-viewer/pkg/colorutil"
)

var (
	ErrNoModel           = errors.New("no model loaded")
	ErrNoFeatures        = errors.New("no features selected")
	ErrNothingToClassify = errors.New("no valid pixels to classify")
	ErrFeatureCount      = errors.New("feature count mismatch")
)

// Diagnostics summarises one classification.
type Diagnostics struct {
	Valid  int
	Total  int
	Counts map[float64]int
}

// Labels returns the predicted labels in ascending order.
func (d Diagnostics) Labels() []float64 {
	out := make([]float64, 0, len(d.Counts))
	for l := range d.Counts {
		out = append(out, l)
	}
	sort.Float64s(out)
	return out
}

// Stack flattens feature tiles into a pixels x features matrix and marks
// the rows whose features are all finite.
func Stack(features []*image.Tile) (*mat.Dense, []bool, error) {
	if len(features) == 0 {
		return nil, nil, ErrNoFeatures
	}
	first := features[0]
	for i, f := range features {
		if f == nil {
			return nil, nil, fmt.Errorf("feature %d is missing", i)
		}
		if !f.SameShape(first) {
			return nil, nil, fmt.Errorf("%w: feature %d is %s, feature 0 is %s", image.ErrShape, i, f, first)
		}
	}

	n, k := first.Len(), len(features)
	X := mat.NewDense(n, k, nil)
	valid := make([]bool, n)
	for p := 0; p < n; p++ {
		ok := true
		for j, f := range features {
			v := float64(f.Data[p])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
			}
			X.Set(p, j, v)
		}
		valid[p] = ok
	}
	return X, valid, nil
}

// Predict runs m over the valid rows of the feature stack and returns a
// label tile with NaN where any feature was non-finite. A model that
// reports its feature count must match the stack unless force is set.
func Predict(m Model, features []*image.Tile, force bool) (*image.Tile, Diagnostics, error) {
	var diag Diagnostics
	if m == nil {
		return nil, diag, ErrNoModel
	}
	X, valid, err := Stack(features)
	if err != nil {
		return nil, diag, err
	}
	if want := NumFeatures(m); want > 0 && want != len(features) && !force {
		return nil, diag, fmt.Errorf("%w: model expects %d, got %d", ErrFeatureCount, want, len(features))
	}

	var rows []int
	for i, ok := range valid {
		if ok {
			rows = append(rows, i)
		}
	}
	diag.Total = len(valid)
	diag.Valid = len(rows)
	if len(rows) == 0 {
		return nil, diag, ErrNothingToClassify
	}

	_, k := X.Dims()
	Xv := mat.NewDense(len(rows), k, nil)
	for i, r := range rows {
		Xv.SetRow(i, X.RawRowView(r))
	}
	pred, err := m.Predict(Xv)
	if err != nil {
		return nil, diag, fmt.Errorf("predict: %w", err)
	}
	if len(pred) != len(rows) {
		return nil, diag, fmt.Errorf("model returned %d labels for %d rows", len(pred), len(rows))
	}

	out := image.FilledTile(features[0].Rows, features[0].Cols, float32(math.NaN()))
	diag.Counts = make(map[float64]int)
	for i, r := range rows {
		out.Data[r] = float32(pred[i])
		diag.Counts[pred[i]]++
	}
	return out, diag, nil
}

var bandIndex = map[string]int{"R1": 0, "R2": 1, "R3": 2, "R4": 3}

// ResolveFeatures maps feature names to tiles: R1..R4 are the reflectance
// bands, anything else names a stored raster.
func ResolveFeatures(names []string, refl [image.BandCount]*image.Tile, rasters *raster.Store) ([]*image.Tile, error) {
	if len(names) == 0 {
		return nil, ErrNoFeatures
	}
	out := make([]*image.Tile, 0, len(names))
	for _, name := range names {
		if b, ok := bandIndex[name]; ok {
			if refl[b] == nil {
				return nil, raster.ErrNoReflectance
			}
			out = append(out, refl[b])
			continue
		}
		r, ok := rasters.Get(name)
		if !ok || r.Data == nil {
			return nil, fmt.Errorf("%w: %s", raster.ErrNotFound, name)
		}
		out = append(out, r.Data)
	}
	return out, nil
}

// LabelImage colours each label with the categorical palette. NaN pixels
// are transparent.
func LabelImage(t *image.Tile) *goimage.RGBA {
	img := goimage.NewRGBA(goimage.Rect(0, 0, t.Cols, t.Rows))
	for y := 0; y < t.Rows; y++ {
		for x := 0; x < t.Cols; x++ {
			v := float64(t.At(y, x))
			if math.IsNaN(v) {
				continue
			}
			img.SetRGBA(x, y, colorutil.Label(int(v)))
		}
	}
	return img
}

// LabelGray min-max scales the valid labels to 0..255 with invalid pixels
// at 0, for saving.
func LabelGray(t *image.Tile) *goimage.Gray {
	return t.Normalize()
}

// Engine holds the active model. A failed load leaves the previous model
// in place.
type Engine struct {
	mu    sync.RWMutex
	model Model
	path  string
	log   *slog.Logger
}

// NewEngine creates an engine without a model.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: logger}
}

// Load replaces the active model with the one at path.
func (e *Engine) Load(path string) error {
	m, err := LoadModel(path)
	if err != nil {
		e.log.Warn("model load failed, keeping previous model", "path", path, "error", err)
		return err
	}
	e.SetModel(m, path)
	e.log.Info("model loaded", "path", path, "features", NumFeatures(m), "classes", Classes(m))
	return nil
}

// SetModel installs m directly.
func (e *Engine) SetModel(m Model, source string) {
	e.mu.Lock()
	e.model, e.path = m, source
	e.mu.Unlock()
}

// Model returns the active model and where it came from.
func (e *Engine) Model() (Model, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model, e.path
}

// Classify predicts a label map from the given features with the active
// model.
func (e *Engine) Classify(features []*image.Tile, force bool) (*image.Tile, Diagnostics, error) {
	m, _ := e.Model()
	start := time.Now()
	out, diag, err := Predict(m, features, force)
	if err != nil {
		return nil, diag, err
	}
	metrics.ClassificationSeconds.Observe(time.Since(start).Seconds())
	metrics.ClassifiedPixels.Set(float64(diag.Valid))
	e.log.Debug("classified", "valid", diag.Valid, "total", diag.Total, "classes", diag.Labels())
	return out, diag, nil
}
