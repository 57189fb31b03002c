package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/image"
)

func bands(vals ...float32) [image.BandCount]*image.Tile {
	var out [image.BandCount]*image.Tile
	for i := range out {
		out[i] = image.FilledTile(2, 3, vals[i])
	}
	return out
}

func TestValidate(t *testing.T) {
	cases := []struct {
		expr   string
		ok     bool
		reason string
	}{
		{"R1 + R2", true, ""},
		{"(R1 - R2) / (R1 + R2)", true, ""},
		{"np.sqrt(R3) % 2", true, ""},
		{"", false, "empty"},
		{"   ", false, "empty"},
		{"R1 ** 2", false, "power"},
		{"R1 // 4", false, "floor division"},
		{"import os", false, "reference at least one band"},
		{"R1; import os", false, "invalid characters"},
		{"R1 + __import__('os')", false, "invalid characters"},
		{"R5 + 1", false, "reference at least one band"},
		{"XR1 + R1_b", false, "reference at least one band"},
		{"R1[0]", false, "invalid characters"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			err := Validate(tc.expr)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidExpression)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestEvaluateArithmetic(t *testing.T) {
	env, err := BandEnv(bands(0.6, 0.2, 4, -7))
	require.NoError(t, err)

	cases := []struct {
		expr string
		want float64
	}{
		{"R1 + R2", 0.8},
		{"(R1 - R2) / (R1 + R2)", 0.5},
		{"R1 - R2 * 2", 0.2},
		{"-R2 + 1", 0.8},
		{"sqrt(R3)", 2},
		{"np.abs(R4)", 7},
		{"log(exp(R3))", 4},
		{"R4 % 3", 2},
		{"R3 % -3", -2},
		{"R3 * 1e-1", 0.4},
		{"+R3 / .5", 8},
		{"R1/4 + R2/4 + R3/4 + R4/4", -0.55},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Evaluate(tc.expr, env)
			require.NoError(t, err)
			assert.Equal(t, 2, got.Rows)
			assert.Equal(t, 3, got.Cols)
			for _, v := range got.Data {
				assert.InDelta(t, tc.want, v, 1e-5)
			}
		})
	}
}

func TestEvaluateIEEEDivision(t *testing.T) {
	env, err := BandEnv(bands(1, 0, -1, 0))
	require.NoError(t, err)

	got, err := Evaluate("R1 / R2", env)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(got.Data[0]), 1))

	got, err = Evaluate("R3 / R4", env)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(got.Data[0]), -1))

	got, err = Evaluate("R2 / R4", env)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got.Data[0])))

	got, err = Evaluate("R1 % R2", env)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got.Data[0])))
}

func TestEvaluateErrors(t *testing.T) {
	env, err := BandEnv(bands(1, 2, 3, 4))
	require.NoError(t, err)

	_, err = Evaluate("R1 + Raster_9", env)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, err = Evaluate("cos(R1)", env)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, err = Evaluate("(R1 + 2", env)
	assert.ErrorIs(t, err, ErrSyntax)

	_, err = Evaluate("R1 R2", env)
	assert.ErrorIs(t, err, ErrSyntax)

	_, err = Evaluate("R1 +", env)
	assert.ErrorIs(t, err, ErrSyntax)

	env["R2"] = image.FilledTile(3, 3, 1)
	_, err = Evaluate("R1 * R2", env)
	assert.ErrorIs(t, err, image.ErrShape)

	_, err = BandEnv([image.BandCount]*image.Tile{})
	assert.ErrorIs(t, err, ErrNoReflectance)
}

func TestCompilePrecedence(t *testing.T) {
	e, err := Compile("R1 + R2 * -R3 % 2")
	require.NoError(t, err)
	assert.Equal(t, "(R1 + ((R2 * (-R3)) % 2))", e.String())
	assert.Equal(t, "R1 + R2 * -R3 % 2", e.Source())
}

func TestStoreNamingAndRemoval(t *testing.T) {
	s := NewStore(nil)
	refl := bands(1, 2, 3, 4)

	r1, err := s.Add("R1 + R2", refl)
	require.NoError(t, err)
	assert.Equal(t, "Raster 1", r1.Name)

	_, err = s.Add("R1 ** 2", refl)
	assert.ErrorIs(t, err, ErrInvalidExpression)

	r2, err := s.Add("Raster_1 * R4", refl)
	require.NoError(t, err)
	assert.Equal(t, "Raster 2", r2.Name)
	assert.InDelta(t, 12, r2.Data.At(1, 2), 1e-6)

	require.NoError(t, s.Remove("Raster 2"))
	assert.ErrorIs(t, s.Remove("Raster 2"), ErrNotFound)

	r3, err := s.Add("R3", refl)
	require.NoError(t, err)
	assert.Equal(t, "Raster 3", r3.Name, "counter is never reused")
	assert.Equal(t, []string{"Raster 1", "Raster 3"}, s.Names())

	got, ok := s.Get("Raster_3")
	require.True(t, ok)
	assert.Equal(t, "R3", got.Expr)

	s.Clear()
	assert.Equal(t, 0, s.Len())
	r, err := s.Add("R2", refl)
	require.NoError(t, err)
	assert.Equal(t, "Raster 1", r.Name)
}

func TestStoreOverlayFirst(t *testing.T) {
	s := NewStore(nil)
	refl := bands(1, 2, 3, 6)
	_, err := s.Add("R1", refl)
	require.NoError(t, err)

	created, err := s.EnsureOverlay(refl)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.EnsureOverlay(refl)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, []string{OverlayName, "Raster 1"}, s.Names())
	ov, ok := s.Get(OverlayName)
	require.True(t, ok)
	assert.InDelta(t, 3, ov.Data.At(0, 0), 1e-6)

	r, err := s.Add("Overlay - R1", refl)
	require.NoError(t, err)
	assert.Equal(t, "Raster 2", r.Name)
	assert.InDelta(t, 2, r.Data.At(0, 0), 1e-6)
}

func TestRecomputeAllKeepsPreviousOnFailure(t *testing.T) {
	s := NewStore(nil)
	refl := bands(1, 2, 3, 4)
	_, err := s.Add("R1 + R2", refl)
	require.NoError(t, err)
	_, err = s.Add("Raster_1 * 2", refl)
	require.NoError(t, err)
	_, err = s.Add("R1 * R3", refl)
	require.NoError(t, err)

	next := bands(10, 20, 30, 40)
	// Shape change on R3 makes Raster 3 fail while the others update.
	next[2] = image.FilledTile(4, 4, 30)

	failures, err := s.RecomputeAll(next)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "Raster 3", failures[0].Name)
	assert.ErrorIs(t, failures[0].Err, image.ErrShape)

	r1, _ := s.Get("Raster 1")
	assert.InDelta(t, 30, r1.Data.At(0, 0), 1e-6)
	r2, _ := s.Get("Raster 2")
	assert.InDelta(t, 60, r2.Data.At(0, 0), 1e-6, "later rasters see recomputed values")
	r3, _ := s.Get("Raster 3")
	assert.InDelta(t, 3, r3.Data.At(0, 0), 1e-6, "failed raster keeps previous data")

	_, err = s.RecomputeAll([image.BandCount]*image.Tile{})
	assert.ErrorIs(t, err, ErrNoReflectance)
}
