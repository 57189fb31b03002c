package calibration

import (
	"context"
	goimage "image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/image"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bandFrame builds a frame whose band i is filled with vals[i].
func bandFrame(vals [image.BandCount]uint8) *image.Frame {
	pix := make([]uint8, image.FrameRows*image.FrameCols)
	for y := 0; y < image.FrameRows; y++ {
		for x := 0; x < image.FrameCols; x++ {
			pix[y*image.FrameCols+x] = vals[x/image.BandWidth]
		}
	}
	return &image.Frame{Pix: pix}
}

func writeFrame(t *testing.T, path string, f *image.Frame) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, image.SavePNG(path, f.Gray()))
}

func TestROIMeanUsesCentreWindow(t *testing.T) {
	g := goimage.NewGray(goimage.Rect(0, 0, 640, 480))
	// Paint the 100x100 centre window with 10 and the rest with 200.
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			v := uint8(200)
			if x >= 270 && x < 370 && y >= 190 && y < 290 {
				v = 10
			}
			g.Pix[y*640+x] = v
		}
	}
	assert.InDelta(t, 10.0, ROIMean(g), 1e-9)
}

func TestROIMeanClampsToSmallImages(t *testing.T) {
	g := goimage.NewGray(goimage.Rect(0, 0, 20, 10))
	for i := range g.Pix {
		g.Pix[i] = 4
	}
	assert.InDelta(t, 4.0, ROIMean(g), 1e-9)
	assert.Equal(t, 0.0, ROIMean(goimage.NewGray(goimage.Rect(0, 0, 0, 0))))
}

func TestParseExposureTokens(t *testing.T) {
	toks, err := ParseExposureTokens("/data/ref_20240101_120000_0100_0448_0000_29221.png")
	require.NoError(t, err)
	assert.Equal(t, [image.BandCount]int{100, 448, 0, 29221}, toks)

	_, err = ParseExposureTokens("20240101_0100_0100_0100.png")
	assert.ErrorIs(t, err, ErrFilename, "five tokens")

	_, err = ParseExposureTokens("a_b_c_d_e_f.png")
	assert.ErrorIs(t, err, ErrFilename)

	assert.Equal(t, 1.0, TokenMs(0))
	assert.Equal(t, 4.48, TokenMs(448))
}

func TestReferenceRequiresDarkNoise(t *testing.T) {
	s := NewStore(quietLogger())
	_, err := s.SetReference(bandFrame([4]uint8{50, 50, 50, 50}), [4]int{100, 100, 100, 100}, "ref")
	assert.ErrorIs(t, err, ErrNoDarkNoise)
	assert.False(t, s.Snapshot().HasRef)
}

func TestStoreEstimates(t *testing.T) {
	s := NewStore(quietLogger())
	dark := s.SetBackground(bandFrame([4]uint8{10, 11, 9, 10}), "bg")
	assert.Equal(t, [4]float64{10, 11, 9, 10}, dark)

	ref, err := s.SetReference(bandFrame([4]uint8{210, 111, 59, 10}), [4]int{100, 200, 0, 50}, "ref")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{200, 50, 50, 0}, ref[:], 1e-9)

	c := s.Snapshot()
	assert.True(t, c.HasDark)
	assert.True(t, c.HasRef)

	// A new background invalidates the old reference.
	s.SetBackground(bandFrame([4]uint8{1, 1, 1, 1}), "bg2")
	assert.False(t, s.Snapshot().HasRef)
}

func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDataDirs(dir))

	s := NewStore(quietLogger())
	require.NoError(t, s.AutoLoad(dir), "empty folders are fine")
	assert.False(t, s.Snapshot().HasDark)

	writeFrame(t, filepath.Join(dir, BackgroundDir, "a_bg.png"), bandFrame([4]uint8{5, 5, 5, 5}))
	writeFrame(t, filepath.Join(dir, BackgroundDir, "b_bg.png"), bandFrame([4]uint8{99, 99, 99, 99}))
	writeFrame(t, filepath.Join(dir, ReferenceDir, "20240101_120000_0100_0100_0100_0100.png"), bandFrame([4]uint8{105, 55, 25, 15}))

	require.NoError(t, s.AutoLoad(dir))
	c := s.Snapshot()
	assert.Equal(t, [4]float64{5, 5, 5, 5}, c.DarkNoise, "lexically first background")
	assert.InDeltaSlice(t, []float64{100, 50, 20, 10}, c.RefRadiance[:], 1e-9)
}

func TestLoadBackgroundRejectsWrongShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.png")
	require.NoError(t, image.SavePNG(path, goimage.NewGray(goimage.Rect(0, 0, 10, 10))))
	err := NewStore(quietLogger()).LoadBackground(path)
	assert.ErrorIs(t, err, image.ErrShape)
}

func TestWatcherReloadsOnNewPNG(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDataDirs(dir))

	s := NewStore(quietLogger())
	w := NewWatcher(s, dir, quietLogger())
	w.settle = 20 * time.Millisecond
	var reloads atomic.Int32
	w.OnReload = func(Constants, error) { reloads.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register its folders.
	time.Sleep(100 * time.Millisecond)
	writeFrame(t, filepath.Join(dir, BackgroundDir, "bg.png"), bandFrame([4]uint8{7, 7, 7, 7}))

	require.Eventually(t, func() bool {
		return s.Snapshot().HasDark
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	cancel()
	require.NoError(t, <-done)
}
