package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/config"
	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// workspace writes a config with a data folder and identity calibration
// constants and returns the config path and data folder.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "Data")
	cfg.Calibration.DarkNoise = []float64{0, 0, 0, 0}
	cfg.Calibration.RefRadiance = []float64{1, 1, 1, 1}
	cfg.Calibration.Watch = false
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Write(path, cfg))
	return path, cfg.DataDir
}

func writeFrame(t *testing.T, path string, vals [image.BandCount]uint8) {
	t.Helper()
	pix := make([]uint8, image.FrameRows*image.FrameCols)
	for y := 0; y < image.FrameRows; y++ {
		for x := 0; x < image.FrameCols; x++ {
			pix[y*image.FrameCols+x] = vals[x/image.BandWidth]
		}
	}
	f, err := image.NewFrame(pix, image.FrameRows, image.FrameCols)
	require.NoError(t, err)
	require.NoError(t, image.SavePNG(path, f.Gray()))
}

func TestVersion(t *testing.T) {
	cfgPath, _ := workspace(t)
	out, err := execute(t, "--config", cfgPath, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "nbc-viewer "))
}

func TestConfigInitShowPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = execute(t, "--config", path, "config", "init")
	require.Error(t, err)
	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "--data-dir", "/tmp/elsewhere", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir: /tmp/elsewhere")
	assert.Contains(t, out, "exposure_levels:")

	out, err = execute(t, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  tick: -1s\n"), 0644))
	_, err := execute(t, "--config", path, "version")
	require.Error(t, err)
}

func TestCalibrate(t *testing.T) {
	cfgPath, _ := workspace(t)
	dir := t.TempDir()
	bg := filepath.Join(dir, "background.png")
	ref := filepath.Join(dir, "20260101_120000_100_200_400_800.png")
	writeFrame(t, bg, [image.BandCount]uint8{10, 10, 10, 10})
	out, err := execute(t, "--config", cfgPath, "calibrate", bg)
	require.NoError(t, err)
	assert.Contains(t, out, "band 1: dark=10.0000\n")
	assert.NotContains(t, out, "reference")

	writeFrame(t, ref, [image.BandCount]uint8{110, 210, 250, 170})
	out, err = execute(t, "--config", cfgPath, "calibrate", bg, ref)
	require.NoError(t, err)
	assert.Contains(t, out, "band 1: dark=10.0000 reference=100 tokens=100")
	assert.Contains(t, out, "band 2: dark=10.0000 reference=100 tokens=200")
	assert.Contains(t, out, "band 3: dark=10.0000 reference=60 tokens=400")
	assert.Contains(t, out, "band 4: dark=10.0000 reference=20 tokens=800")

	out, err = execute(t, "--config", cfgPath, "calibrate", "--yaml", bg, ref)
	require.NoError(t, err)
	var section struct {
		Calibration config.Calibration `yaml:"calibration"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &section))
	assert.Equal(t, []float64{10, 10, 10, 10}, section.Calibration.DarkNoise)
	assert.Equal(t, []float64{100, 100, 60, 20}, section.Calibration.RefRadiance)

	_, err = execute(t, "--config", cfgPath, "calibrate", filepath.Join(dir, "missing.png"))
	require.Error(t, err)
}

func TestRasterCommand(t *testing.T) {
	cfgPath, _ := workspace(t)
	frame := filepath.Join(t.TempDir(), "capture.png")
	writeFrame(t, frame, [image.BandCount]uint8{10, 20, 30, 40})

	out, err := execute(t, "--config", cfgPath, "raster", frame, "R1 + R2", "--cmap", "viridis", "--vmin", "0", "--vmax", "20", "--legend")
	require.NoError(t, err)
	base := strings.TrimSuffix(frame, ".png")
	assert.Contains(t, out, "-> "+base+"_raster.png")
	assert.FileExists(t, base+"_raster.png")
	assert.FileExists(t, base+"_raster_legend.png")

	g, err := image.LoadGray(base + "_raster.png")
	require.NoError(t, err)
	assert.Equal(t, image.BandWidth, g.Bounds().Dx())

	_, err = execute(t, "--config", cfgPath, "raster", frame, "R1 // R2")
	require.Error(t, err)
	_, err = execute(t, "--config", cfgPath, "raster", frame, "R1", "--cmap", "nope")
	require.Error(t, err)
}

const bandModel = `# nearest centroid over the first band only
kind: centroid
name: single-band
labels: [4, 9]
centroids:
  - [0]
  - [1000]
`

func TestClassifyCommand(t *testing.T) {
	cfgPath, _ := workspace(t)
	dir := t.TempDir()
	frame := filepath.Join(dir, "capture.png")
	writeFrame(t, frame, [image.BandCount]uint8{10, 20, 30, 40})
	model := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(model, []byte(bandModel), 0644))
	output := filepath.Join(dir, "map.png")

	out, err := execute(t, "--config", cfgPath, "classify", frame, "-m", model, "-f", "R1", "-o", output)
	require.NoError(t, err)
	total := image.FrameRows * image.BandWidth
	assert.Contains(t, out, fmt.Sprintf("classified %d of %d pixels", total, total))
	assert.Contains(t, out, fmt.Sprintf("label 4: %d", total))
	assert.FileExists(t, output)

	// Two features for a one-feature model fail unless forced.
	_, err = execute(t, "--config", cfgPath, "classify", frame, "-m", model, "-f", "R1,R2", "-o", output)
	require.Error(t, err)
	_, err = execute(t, "--config", cfgPath, "classify", frame, "-m", model, "-f", "R1,R2", "-o", output, "--force")
	require.NoError(t, err)

	_, err = execute(t, "--config", cfgPath, "classify", frame, "-f", "R1")
	require.Error(t, err, "no model")
}

func TestAlignFromPoints(t *testing.T) {
	cfgPath, dataDir := workspace(t)
	points := filepath.Join(t.TempDir(), "points.yaml")
	var b strings.Builder
	for _, p := range [][2]float64{{100, 50}, {500, 60}, {120, 400}, {520, 420}, {300, 240}} {
		fmt.Fprintf(&b, "- [[%g, %g], [%g, %g], [%g, %g], [%g, %g]]\n",
			p[0], p[1], p[0]+3, p[1]-2, p[0]-1, p[1]+1, p[0], p[1])
	}
	require.NoError(t, os.WriteFile(points, []byte(b.String()), 0644))

	out, err := execute(t, "--config", cfgPath, "align", "--points", points)
	require.NoError(t, err)
	for band := 1; band <= image.BandCount; band++ {
		assert.Contains(t, out, fmt.Sprintf("band %d: computed", band))
	}

	ini := filepath.Join(dataDir, calibration.TransformDir, "homographies.ini")
	set, err := alignment.LoadINI(ini)
	require.NoError(t, err)
	assert.Empty(t, set.Missing())
	h, ok := set.Get(1)
	require.True(t, ok)
	mapped, ok := h.Apply(geometry.Point2D{X: 103, Y: 48})
	require.True(t, ok)
	assert.InDelta(t, 100, mapped.X, 1e-6)
	assert.InDelta(t, 50, mapped.Y, 1e-6)

	_, err = execute(t, "--config", cfgPath, "align")
	require.Error(t, err)
}

func TestLoadManualPointsRejectsShortTuples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- [[1, 2], [3, 4]]\n"), 0644))
	_, err := loadManualPoints(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("- [[1, 2], [3, 4], [5], [7, 8]]\n"), 0644))
	_, err = loadManualPoints(path)
	require.Error(t, err)
}

func TestCameraArgumentsAreCheckedBeforeConnecting(t *testing.T) {
	cfgPath, _ := workspace(t)
	_, err := execute(t, "--config", cfgPath, "camera", "exposure", "5", "3")
	require.ErrorIs(t, err, camera.ErrBand)
	_, err = execute(t, "--config", cfgPath, "camera", "gain", "1", "x")
	require.Error(t, err)
}

func TestRunNeedsListenWithoutCamera(t *testing.T) {
	cfgPath, _ := workspace(t)
	_, err := execute(t, "--config", cfgPath, "run", "--no-camera")
	require.EqualError(t, err, "--no-camera needs --listen")
}
