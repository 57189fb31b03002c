package app

import (
	"context"
	"fmt"
	goimage "image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/classify"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/raster"
)

// SaveKind selects one of the periodic savers.
type SaveKind int

const (
	SaveRaw SaveKind = iota
	SaveReflectance
	SaveRaster
	saveKinds
)

func (k SaveKind) String() string {
	switch k {
	case SaveRaw:
		return "raw"
	case SaveReflectance:
		return "reflectance"
	case SaveRaster:
		return "raster"
	}
	return "unknown"
}

// ParseSaveKind parses "raw", "reflectance" or "raster".
func ParseSaveKind(s string) (SaveKind, error) {
	for k := SaveRaw; k < saveKinds; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown save kind %q", s)
}

func (s *Session) saveBase(kind SaveKind) string {
	switch kind {
	case SaveReflectance:
		return filepath.Join(s.opts.DataDir, "Raster", "Reflectance")
	case SaveRaster:
		return filepath.Join(s.opts.DataDir, "Raster", "Raster")
	}
	return filepath.Join(s.opts.DataDir, "Raw")
}

// StartSaving creates a fresh timestamped folder for kind and turns the
// saver on.
func (s *Session) StartSaving(kind SaveKind, now time.Time) (string, error) {
	sv := s.savers[kind]
	dir, err := sv.SelectFolder(s.saveBase(kind), now)
	if err != nil {
		return "", err
	}
	sv.SetActive(true)
	s.log.Info("saving started", "kind", kind, "dir", dir)
	return dir, nil
}

// StopSaving turns the saver off; the folder is kept for the next start.
func (s *Session) StopSaving(kind SaveKind) {
	s.savers[kind].SetActive(false)
	s.log.Info("saving stopped", "kind", kind)
}

func (s *Session) save(kind SaveKind, img goimage.Image, now time.Time) {
	path, err := s.savers[kind].SaveIfActive(img, now)
	key := "save:" + kind.String()
	if err != nil {
		s.warn(key, "save failed", "kind", kind, "error", err)
		return
	}
	if path != "" {
		s.resolve(key)
		s.log.Debug("saved", "kind", kind, "path", path)
	}
}

func (s *Session) saveSelectedRaster(now time.Time) {
	if !s.savers[SaveRaster].Active() {
		return
	}
	name := s.SaveRasterName()
	if name == "" {
		return
	}
	r, ok := s.rasters.Get(name)
	if !ok || r.Data == nil {
		s.warn("save:raster-missing", "raster selected for saving does not exist", "raster", name)
		return
	}
	s.resolve("save:raster-missing")
	s.save(SaveRaster, r.Data.Normalize(), now)
}

// SaveRasterName returns the raster written by the raster saver.
func (s *Session) SaveRasterName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveRaster
}

// SetSaveRaster selects the raster the raster saver writes. An empty name
// disables it.
func (s *Session) SetSaveRaster(name string) error {
	if name != "" {
		if _, ok := s.rasters.Get(name); !ok {
			return fmt.Errorf("%w: %s", raster.ErrNotFound, name)
		}
	}
	s.mu.Lock()
	s.saveRaster = name
	s.mu.Unlock()
	return nil
}

func (s *Session) controller() (*camera.Controller, error) {
	if s.camera == nil {
		return nil, camera.ErrNotConnected
	}
	return s.camera, nil
}

// Connect verifies the camera at ip, discovering it through the router when
// ip is empty, and reads back the current registers. It returns the live
// address the frame receiver should bind.
func (s *Session) Connect(ctx context.Context, ip string) (string, error) {
	c, err := s.controller()
	if err != nil {
		return "", err
	}
	if ip == "" {
		if ip, err = c.Discover(ctx); err != nil {
			return "", err
		}
	}
	addr, err := c.Connect(ctx, ip)
	if err != nil {
		return "", err
	}
	s.bus.Emit(EventCameraConnected, ip)
	if err := s.SyncSettings(ctx); err != nil {
		s.log.Warn("register readback failed", "error", err)
	}
	return addr, nil
}

// ConnectAsync runs Connect on its own goroutine.
func (s *Session) ConnectAsync(ctx context.Context, ip string) <-chan camera.Result[string] {
	return camera.Async(ctx, func(ctx context.Context) (string, error) {
		return s.Connect(ctx, ip)
	})
}

// SyncSettings reads gains and exposure levels from the camera. Registers
// that returned no value leave the local setting unchanged.
func (s *Session) SyncSettings(ctx context.Context) error {
	c, err := s.controller()
	if err != nil {
		return err
	}
	st, err := c.ReadSettings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gains = st.Gain
	for b, r := range st.Level {
		if r.Valid {
			s.levels[b] = r.Value
		}
	}
	levels := s.levels
	s.mu.Unlock()
	s.updateExposures(levels)
	s.bus.Emit(EventExposureChanged, levels)
	return nil
}

// SetExposureLevel clamps level and applies it to band. The local setting
// always changes; the camera register is written only when connected.
func (s *Session) SetExposureLevel(ctx context.Context, band, level int) error {
	if band < 0 || band >= image.BandCount {
		return fmt.Errorf("%w: %d", camera.ErrBand, band)
	}
	level = camera.ClampLevel(level)
	s.mu.Lock()
	s.levels[band] = level
	levels := s.levels
	s.mu.Unlock()
	s.updateExposures(levels)
	s.bus.Emit(EventExposureChanged, levels)

	if s.camera == nil || s.camera.CameraIP() == "" {
		return nil
	}
	return s.camera.SetExposureLevel(ctx, band, level)
}

// SetGain writes a gain register. It needs a connected camera.
func (s *Session) SetGain(ctx context.Context, band, gain int) error {
	c, err := s.controller()
	if err != nil {
		return err
	}
	if err := c.SetGain(ctx, band, gain); err != nil {
		return err
	}
	s.mu.Lock()
	s.gains[band] = camera.Register{Value: gain, Valid: true}
	s.mu.Unlock()
	return nil
}

// AlignSnapshot aligns the bands of a saved capture, or of the latest live
// frame when path is empty, then installs and saves the homographies.
func (s *Session) AlignSnapshot(path string) (alignment.Result, error) {
	var bands [image.BandCount]*goimage.Gray
	if path == "" {
		f := s.frames.Load()
		if f == nil {
			return alignment.Result{}, ErrNoFrame
		}
		bands = f.Split()
	} else {
		b, mismatch, err := image.LoadSnapshot(path)
		if err != nil {
			return alignment.Result{}, err
		}
		if mismatch {
			s.log.Warn("snapshot size differs from the frame shape, padded or cropped", "path", path)
		}
		bands = b
	}

	a, err := alignment.NewAligner(s.opts.Align, s.opts.Detector, s.opts.Matcher, s.log)
	if err != nil {
		return alignment.Result{}, err
	}
	res, err := a.Align(bands)
	if err != nil {
		return res, err
	}
	return res, s.applyAlignment(res)
}

// ManualAlign fits homographies from operator-picked correspondences using
// the session's alignment options.
func (s *Session) ManualAlign(points []alignment.ManualPoint) (alignment.Result, error) {
	res, err := alignment.AlignManual(points, s.opts.Align)
	if err != nil {
		return res, err
	}
	return res, s.applyAlignment(res)
}

func (s *Session) applyAlignment(res alignment.Result) error {
	s.mu.Lock()
	s.align = res
	s.mu.Unlock()
	set := res.Set()
	s.rectifier.SetHomographies(set)
	s.bus.Emit(EventAlignmentComplete, res)

	if s.opts.TransformPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.TransformPath), 0755); err != nil {
		return fmt.Errorf("save homographies: %w", err)
	}
	if err := alignment.SaveINI(s.opts.TransformPath, set); err != nil {
		return fmt.Errorf("save homographies: %w", err)
	}
	s.log.Info("homographies saved", "path", s.opts.TransformPath, "missing", set.Missing())
	return nil
}

// LoadHomographies installs the homographies stored at path, or at the
// configured transform file when path is empty.
func (s *Session) LoadHomographies(path string) error {
	if path == "" {
		path = s.opts.TransformPath
	}
	set, err := alignment.LoadINI(path)
	if err != nil {
		return err
	}
	s.rectifier.SetHomographies(set)
	s.mu.Lock()
	s.align = resultFromSet(set)
	s.mu.Unlock()

	s.log.Info("homographies loaded", "path", path, "missing", set.Missing())
	s.bus.Emit(EventHomographiesLoaded, set)
	return nil
}

// resultFromSet marks the bands present in set as computed.
func resultFromSet(set alignment.HomographySet) alignment.Result {
	var res alignment.Result
	for b := range res.Bands {
		res.Bands[b].Band = b
		if h, ok := set.Get(b); ok {
			res.Bands[b].Status = alignment.StatusComputed
			res.Bands[b].H = h
		}
	}
	return res
}

// Alignment returns the per-band alignment state.
func (s *Session) Alignment() alignment.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.align
}

// LoadBackground estimates dark noise from a background capture.
func (s *Session) LoadBackground(path string) error {
	if err := s.calib.LoadBackground(path); err != nil {
		return err
	}
	s.bus.Emit(EventCalibrationChanged, s.calib.Snapshot())
	return nil
}

// LoadReference estimates reference radiance from a reference capture.
func (s *Session) LoadReference(path string) error {
	if err := s.calib.LoadReference(path); err != nil {
		return err
	}
	s.bus.Emit(EventCalibrationChanged, s.calib.Snapshot())
	return nil
}

// CaptureBackground estimates dark noise from the latest live frame.
func (s *Session) CaptureBackground() error {
	f := s.frames.Load()
	if f == nil {
		return ErrNoFrame
	}
	s.calib.SetBackground(f, "live")
	s.bus.Emit(EventCalibrationChanged, s.calib.Snapshot())
	return nil
}

// CaptureReference estimates reference radiance from the latest live
// frame at the current exposure levels.
func (s *Session) CaptureReference() error {
	f := s.frames.Load()
	if f == nil {
		return ErrNoFrame
	}
	toks := camera.Ms100ForLevels(s.ExposureLevels())
	if _, err := s.calib.SetReference(f, toks, "live"); err != nil {
		return err
	}
	s.bus.Emit(EventCalibrationChanged, s.calib.Snapshot())
	return nil
}

// CalibrationReloaded is the hook for the calibration folder watcher.
func (s *Session) CalibrationReloaded(c calibration.Constants, err error) {
	if err != nil {
		s.warn("calibration", "calibration reload failed", "error", err)
		return
	}
	s.resolve("calibration")
	s.bus.Emit(EventCalibrationChanged, c)
}

// AddRaster evaluates expr against the current reflectance and stores it.
func (s *Session) AddRaster(expr string) (raster.Raster, error) {
	r, err := s.rasters.Add(expr, s.Reflectance())
	if err != nil {
		return r, err
	}
	s.bus.Emit(EventRastersChanged, s.rasters.Names())
	return r, nil
}

// RemoveRaster deletes a stored raster. The raster saver and the feature
// list stop referring to it.
func (s *Session) RemoveRaster(name string) error {
	r, ok := s.rasters.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", raster.ErrNotFound, name)
	}
	if err := s.rasters.Remove(r.Name); err != nil {
		return err
	}
	s.mu.Lock()
	if s.saveRaster == r.Name {
		s.saveRaster = ""
	}
	kept := s.features[:0]
	for _, f := range s.features {
		if f != r.Name {
			kept = append(kept, f)
		}
	}
	s.features = kept
	s.mu.Unlock()
	s.resolve("raster:" + r.Name)
	s.bus.Emit(EventRastersChanged, s.rasters.Names())
	return nil
}

// ClearRasters removes every stored raster and restarts the numbering.
func (s *Session) ClearRasters() {
	s.rasters.Clear()
	s.mu.Lock()
	s.saveRaster = ""
	kept := s.features[:0]
	for _, f := range s.features {
		if isBand(f) {
			kept = append(kept, f)
		}
	}
	s.features = kept
	for k := range s.warnings {
		if strings.HasPrefix(k, "raster:") {
			delete(s.warnings, k)
		}
	}
	s.mu.Unlock()
	s.bus.Emit(EventRastersChanged, []string(nil))
}

// LoadModel replaces the classifier model. A failed load keeps the
// previous one.
func (s *Session) LoadModel(path string) error {
	if err := s.classifier.Load(path); err != nil {
		return err
	}
	s.bus.Emit(EventModelLoaded, path)
	return nil
}

// Model returns the active model and its source.
func (s *Session) Model() (classify.Model, string) {
	return s.classifier.Model()
}

// SetFeatures selects the classification inputs: R1..R4 or stored raster
// names, in order.
func (s *Session) SetFeatures(names []string) error {
	if len(names) == 0 {
		return classify.ErrNoFeatures
	}
	for _, n := range names {
		if isBand(n) {
			continue
		}
		if _, ok := s.rasters.Get(n); !ok {
			return fmt.Errorf("%w: %s", raster.ErrNotFound, n)
		}
	}
	s.mu.Lock()
	s.features = append([]string(nil), names...)
	s.mu.Unlock()
	return nil
}

// Features returns the selected classification inputs.
func (s *Session) Features() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.features...)
}

// SetAutoClassify toggles classification on every tick.
func (s *Session) SetAutoClassify(on bool) {
	s.mu.Lock()
	s.autoClassify = on
	s.mu.Unlock()
	if !on {
		s.resolve("classify")
	}
}

// AutoClassify reports whether every tick classifies.
func (s *Session) AutoClassify() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoClassify
}

// SetForceFeatures allows a feature stack whose width differs from the
// model's declared feature count.
func (s *Session) SetForceFeatures(on bool) {
	s.mu.Lock()
	s.force = on
	s.mu.Unlock()
}

// ClassifyNow classifies the current reflectance and rasters with the
// selected features.
func (s *Session) ClassifyNow() (*image.Tile, classify.Diagnostics, error) {
	s.mu.RLock()
	refl := s.reflectance
	names := append([]string(nil), s.features...)
	force := s.force
	s.mu.RUnlock()

	feats, err := classify.ResolveFeatures(names, refl, s.rasters)
	if err != nil {
		return nil, classify.Diagnostics{}, err
	}
	labels, diag, err := s.classifier.Classify(feats, force)
	if err != nil {
		return nil, diag, err
	}
	s.mu.Lock()
	s.labels, s.diag = labels, diag
	s.mu.Unlock()
	s.bus.Emit(EventClassified, diag)
	return labels, diag, nil
}

// SaveClassification writes the last label map under the Classification
// folder and returns its path.
func (s *Session) SaveClassification(now time.Time) (string, error) {
	labels, _ := s.Labels()
	if labels == nil {
		return "", ErrNoClassification
	}
	dir := filepath.Join(s.opts.DataDir, "Classification")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, image.ClassificationFileName(now))
	if err := image.SavePNG(path, classify.LabelGray(labels)); err != nil {
		return "", err
	}
	s.log.Info("classification saved", "path", path)
	return path, nil
}

func isBand(name string) bool {
	switch name {
	case "R1", "R2", "R3", "R4":
		return true
	}
	return false
}
