package reflectance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/image"
)

// bandFrame builds a frame whose band b is filled with vals[b].
func bandFrame(t *testing.T, vals [image.BandCount]uint8) *image.Frame {
	t.Helper()
	pix := make([]uint8, image.FrameRows*image.FrameCols)
	for y := 0; y < image.FrameRows; y++ {
		for x := 0; x < image.FrameCols; x++ {
			pix[y*image.FrameCols+x] = vals[x/image.BandWidth]
		}
	}
	f, err := image.NewFrame(pix, image.FrameRows, image.FrameCols)
	require.NoError(t, err)
	return f
}

func validInputs() Inputs {
	return Inputs{
		Constants: calibration.Constants{
			DarkNoise:   [4]float64{10, 10, 20, 0},
			RefRadiance: [4]float64{2, 4, 1, 0.5},
			HasDark:     true,
			HasRef:      true,
		},
		ExposureMs: [4]float64{1, 2, 4, 0.5},
	}
}

func TestComputeFormula(t *testing.T) {
	f := bandFrame(t, [4]uint8{110, 90, 20, 5})
	tiles, err := Compute(f, validInputs())
	require.NoError(t, err)

	want := [4]float32{
		(110 - 10) / 1.0 / 2,
		(90 - 10) / 2.0 / 4,
		0,
		5 / 0.5 / 0.5,
	}
	for b, tile := range tiles {
		require.NotNil(t, tile)
		assert.Equal(t, image.FrameRows, tile.Rows)
		assert.Equal(t, image.BandWidth, tile.Cols)
		assert.InDelta(t, want[b], tile.At(0, 0), 1e-6, "band %d", b)
		assert.InDelta(t, want[b], tile.At(image.FrameRows-1, image.BandWidth-1), 1e-6, "band %d", b)
	}
}

func TestComputeIsUnclamped(t *testing.T) {
	f := bandFrame(t, [4]uint8{0, 0, 0, 0})
	tiles, err := Compute(f, validInputs())
	require.NoError(t, err)
	assert.Less(t, tiles[0].At(0, 0), float32(0))
}

func TestPreconditionsIndependently(t *testing.T) {
	f := bandFrame(t, [4]uint8{1, 2, 3, 4})

	cases := []struct {
		name   string
		mutate func(*Inputs)
		kind   Kind
		band   int
	}{
		{"no dark noise", func(in *Inputs) { in.Constants.HasDark = false }, NoDarkNoise, -1},
		{"zero exposure band 3", func(in *Inputs) { in.ExposureMs[2] = 0 }, ZeroExposure, 2},
		{"zero radiance band 2", func(in *Inputs) { in.Constants.RefRadiance[1] = 0 }, ZeroRadiance, 1},
		{"no reference", func(in *Inputs) { in.Constants.HasRef = false }, ZeroRadiance, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInputs()
			tc.mutate(&in)
			tiles, err := Compute(f, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPrecondition)
			assert.True(t, IsKind(err, tc.kind))

			var pe *PreconditionError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tc.band, pe.Band)
			for _, tile := range tiles {
				assert.Nil(t, tile, "no output when a precondition fails")
			}
		})
	}
}

func TestEngineUsesStore(t *testing.T) {
	store := calibration.NewStore(nil)
	e := NewEngine(store, nil)
	f := bandFrame(t, [4]uint8{50, 50, 50, 50})

	_, err := e.Run(f, [4]float64{1, 1, 1, 1})
	assert.True(t, IsKind(err, NoDarkNoise))

	store.SetConstants([4]float64{10, 10, 10, 10}, [4]float64{4, 4, 4, 4})
	tiles, err := e.Run(f, [4]float64{1, 2, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, tiles[0].At(5, 5), 1e-6)
	assert.InDelta(t, 5.0, tiles[1].At(5, 5), 1e-6)
}

func TestPreconditionErrorMessage(t *testing.T) {
	err := &PreconditionError{Kind: ZeroExposure, Band: 0}
	assert.Equal(t, "reflectance: zero exposure for band 1", err.Error())
	err = &PreconditionError{Kind: NoDarkNoise, Band: -1}
	assert.Equal(t, "reflectance: no dark noise", err.Error())
}
