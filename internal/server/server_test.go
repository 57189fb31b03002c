package server

import (
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nbc-viewer/internal/app"
	"nbc-viewer/internal/image"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bandFrame(vals [image.BandCount]uint8) *image.Frame {
	pix := make([]uint8, image.FrameRows*image.FrameCols)
	for y := 0; y < image.FrameRows; y++ {
		for x := 0; x < image.FrameCols; x++ {
			pix[y*image.FrameCols+x] = vals[x/image.BandWidth]
		}
	}
	return &image.Frame{Pix: pix}
}

func newTestServer(t *testing.T) (*app.Session, *httptest.Server) {
	t.Helper()
	opts := app.Options{DataDir: t.TempDir(), ExposureLevels: [4]int{6, 6, 6, 6}}
	sess := app.NewSession(opts, nil, nil, nil, quietLogger())
	ts := httptest.NewServer(New("", sess, quietLogger()).Router())
	t.Cleanup(ts.Close)
	return sess, ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEmptySession(t *testing.T) {
	_, ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz").StatusCode)
	for _, path := range []string{"/frame.png", "/reflectance/1.png", "/overlay.png", "/raster/Raster_1.png", "/classification.png"} {
		assert.Equal(t, http.StatusNotFound, get(t, ts.URL+path).StatusCode, path)
	}
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/reflectance/5.png").StatusCode, "band outside 1-4")

	resp := get(t, ts.URL+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st app.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.False(t, st.HasFrame)
	assert.Equal(t, [4]int{6, 6, 6, 6}, st.ExposureLevels)
}

func TestPreviews(t *testing.T) {
	sess, ts := newTestServer(t)
	sess.Calibration().SetConstants([4]float64{}, [4]float64{1, 1, 1, 1})
	sess.Frames().Publish(bandFrame([image.BandCount]uint8{10, 20, 30, 255}))
	sess.Tick(time.Now())
	_, err := sess.AddRaster("R1 + R2")
	require.NoError(t, err)

	cases := map[string]struct{ w, h int }{
		"/frame.png":                          {image.FrameCols, image.FrameRows},
		"/composite.png?mode=difference":      {image.BandWidth, image.FrameRows},
		"/reflectance/4.png?cmap=gray":        {image.BandWidth, image.FrameRows},
		"/raster/Raster_1.png?vmin=0&vmax=10": {image.BandWidth, image.FrameRows},
		"/raster/Raster%201.png":              {image.BandWidth, image.FrameRows},
		"/overlay.png":                        {image.BandWidth, image.FrameRows},
		"/legend.png?cmap=jet&height=100":     {140, 160},
	}
	for path, size := range cases {
		resp := get(t, ts.URL+path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		img, err := png.Decode(resp.Body)
		require.NoError(t, err, path)
		assert.Equal(t, size.w, img.Bounds().Dx(), path)
		assert.Equal(t, size.h, img.Bounds().Dy(), path)
	}

	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/composite.png?mode=sepia").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/overlay.png?cmap=nope").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/overlay.png?vmin=abc").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/legend.png?height=1").StatusCode)
}

func TestClassificationPreview(t *testing.T) {
	sess, ts := newTestServer(t)
	sess.Calibration().SetConstants([4]float64{}, [4]float64{1, 1, 1, 1})
	sess.Frames().Publish(bandFrame([image.BandCount]uint8{10, 20, 30, 40}))
	sess.Tick(time.Now())

	model := `# nearest centroid over the first band only
kind: centroid
name: single-band
labels: [4, 9]
centroids:
  - [0]
  - [1000]
`
	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(path, []byte(model), 0644))
	require.NoError(t, sess.LoadModel(path))
	require.NoError(t, sess.SetFeatures([]string{"R1"}))
	_, _, err := sess.ClassifyNow()
	require.NoError(t, err)

	resp := get(t, ts.URL+"/classification.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, image.BandWidth, img.Bounds().Dx())

	var st app.Status
	require.NoError(t, json.NewDecoder(get(t, ts.URL+"/status").Body).Decode(&st))
	require.NotNil(t, st.Classification)
	assert.Equal(t, []float64{4}, st.Classification.Labels)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	get(t, ts.URL+"/status")
	resp := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nbc_http_requests_total")
}
