// Package reflectance converts raw band intensities into calibrated
// reflectance using the dark noise, reference radiance and exposure time
// of each band.
package reflectance

import (
	"errors"
	"fmt"
	"log/slog"

	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
)

// Kind categorises a precondition failure.
type Kind int

const (
	NoDarkNoise Kind = iota
	ZeroExposure
	ZeroRadiance
)

func (k Kind) String() string {
	switch k {
	case NoDarkNoise:
		return "no dark noise"
	case ZeroExposure:
		return "zero exposure"
	case ZeroRadiance:
		return "zero reference radiance"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrPrecondition matches every PreconditionError with errors.Is.
var ErrPrecondition = errors.New("reflectance precondition failed")

// PreconditionError reports the first band that blocks the computation.
// Band is -1 when the condition is not band specific.
type PreconditionError struct {
	Kind Kind
	Band int
}

func (e *PreconditionError) Error() string {
	if e.Band < 0 {
		return fmt.Sprintf("reflectance: %s", e.Kind)
	}
	return fmt.Sprintf("reflectance: %s for band %d", e.Kind, e.Band+1)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// IsKind reports whether err is a PreconditionError of kind k.
func IsKind(err error, k Kind) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && pe.Kind == k
}

// Inputs are the per-frame values the computation depends on.
type Inputs struct {
	Constants  calibration.Constants
	ExposureMs [image.BandCount]float64
}

// Check validates every precondition for every band without touching
// pixel data.
func (in Inputs) Check() error {
	if !in.Constants.HasDark {
		return &PreconditionError{Kind: NoDarkNoise, Band: -1}
	}
	for b, ms := range in.ExposureMs {
		if ms == 0 {
			return &PreconditionError{Kind: ZeroExposure, Band: b}
		}
	}
	if !in.Constants.HasRef {
		return &PreconditionError{Kind: ZeroRadiance, Band: -1}
	}
	for b, r := range in.Constants.RefRadiance {
		if r == 0 {
			return &PreconditionError{Kind: ZeroRadiance, Band: b}
		}
	}
	return nil
}

// Compute returns one reflectance tile per band:
// (raw - dark) / exposure_ms / reference_radiance. Values are not clamped.
func Compute(f *image.Frame, in Inputs) ([image.BandCount]*image.Tile, error) {
	var out [image.BandCount]*image.Tile
	if err := in.Check(); err != nil {
		return out, err
	}
	for b, band := range f.Split() {
		t := image.TileFromGray(band)
		dark, ms, ref := in.Constants.DarkNoise[b], in.ExposureMs[b], in.Constants.RefRadiance[b]
		for i, v := range t.Data {
			t.Data[i] = float32((float64(v) - dark) / ms / ref)
		}
		out[b] = t
	}
	return out, nil
}

// Engine computes reflectance against a calibration store and records
// the outcome of every cycle.
type Engine struct {
	store *calibration.Store
	log   *slog.Logger
}

// NewEngine creates an engine reading constants from store.
func NewEngine(store *calibration.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, log: logger}
}

// Run computes the reflectance of f at the given exposure times.
func (e *Engine) Run(f *image.Frame, exposureMs [image.BandCount]float64) ([image.BandCount]*image.Tile, error) {
	in := Inputs{Constants: e.store.Snapshot(), ExposureMs: exposureMs}
	tiles, err := Compute(f, in)
	if err != nil {
		var pe *PreconditionError
		if errors.As(err, &pe) {
			metrics.ReflectanceCycles.WithLabelValues(pe.Kind.label()).Inc()
		} else {
			metrics.ReflectanceCycles.WithLabelValues("error").Inc()
		}
		return tiles, err
	}
	metrics.ReflectanceCycles.WithLabelValues("ok").Inc()
	e.log.Debug("reflectance computed", "exposure_ms", exposureMs)
	return tiles, nil
}

func (k Kind) label() string {
	switch k {
	case NoDarkNoise:
		return "no_dark"
	case ZeroExposure:
		return "zero_exposure"
	default:
		return "zero_radiance"
	}
}
