// Package app coordinates a live session: it owns the frame slot, the
// calibration, alignment, reflectance, raster and classification state,
// and refreshes the derived products on a fixed tick.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/classify"
	"nbc-viewer/internal/config"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
	"nbc-viewer/internal/raster"
	"nbc-viewer/internal/reflectance"
	"nbc-viewer/internal/stream"
)

var (
	ErrNoFrame          = errors.New("no frame received yet")
	ErrNoClassification = errors.New("nothing classified yet")
)

// TransformFile is the homography file name inside the transformation
// folder.
const TransformFile = "homographies.ini"

// Options configures a session.
type Options struct {
	DataDir        string
	Tick           time.Duration
	ExposureLevels [image.BandCount]int
	AutoLoad       bool // load calibration and homographies found on disk
	Rectify        bool
	TransformPath  string
	Features       []string
	AutoClassify   bool
	ForceFeatures  bool
	SaveRaster     string
	Align          alignment.Options
	Detector       alignment.Detector
	Matcher        alignment.Matcher
}

// OptionsFromConfig maps the config file onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		DataDir:        cfg.DataDir,
		Tick:           cfg.Session.Tick,
		ExposureLevels: cfg.Session.ExposureLevels,
		AutoLoad:       cfg.Calibration.AutoLoad,
		Rectify:        cfg.Alignment.Rectify,
		TransformPath:  cfg.Alignment.Transform,
		Features:       cfg.Session.Features,
		AutoClassify:   cfg.Session.AutoClassify,
		ForceFeatures:  cfg.Session.ForceFeatures,
		SaveRaster:     cfg.Save.Raster,
		Align:          cfg.AlignmentOptions(),
		Detector:       alignment.AKAZEDetector{},
		Matcher:        alignment.BFMatcher{},
	}
	if strings.EqualFold(cfg.Alignment.Matcher, "hamming") {
		opts.Matcher = alignment.HammingMatcher{}
	}
	return opts
}

// Session holds every piece of per-run state. Nothing in it is global.
type Session struct {
	opts Options
	log  *slog.Logger
	bus  *Bus

	frames     *stream.Latest
	calib      *calibration.Store
	rectifier  *alignment.Rectifier
	refl       *reflectance.Engine
	rasters    *raster.Store
	classifier *classify.Engine
	camera     *camera.Controller

	savers [saveKinds]*image.Saver

	mu           sync.RWMutex
	levels       [image.BandCount]int
	gains        [image.BandCount]camera.Register
	align        alignment.Result
	frame        *image.Frame
	frameSeq     uint64
	lastFrameAt  time.Time
	ticks        uint64
	reflectance  [image.BandCount]*image.Tile
	labels       *image.Tile
	diag         classify.Diagnostics
	features     []string
	autoClassify bool
	force        bool
	saveRaster   string
	warnings     map[string]Warning
}

// NewSession wires the pipeline around frames and calib. ctrl may be nil
// when no camera is reachable; register operations then fail with
// camera.ErrNotConnected.
func NewSession(opts Options, frames *stream.Latest, calib *calibration.Store, ctrl *camera.Controller, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if opts.TransformPath == "" && opts.DataDir != "" {
		opts.TransformPath = filepath.Join(opts.DataDir, calibration.TransformDir, TransformFile)
	}
	if opts.Align == (alignment.Options{}) {
		opts.Align = alignment.DefaultOptions()
	}
	if opts.Detector == nil {
		opts.Detector = alignment.AKAZEDetector{}
	}
	if opts.Matcher == nil {
		opts.Matcher = alignment.BFMatcher{}
	}
	if frames == nil {
		frames = stream.NewLatest()
	}
	if calib == nil {
		calib = calibration.NewStore(logger)
	}

	s := &Session{
		opts:         opts,
		log:          logger,
		bus:          NewBus(),
		frames:       frames,
		calib:        calib,
		rectifier:    alignment.NewRectifier(alignment.HomographySet{}),
		refl:         reflectance.NewEngine(calib, logger),
		rasters:      raster.NewStore(logger),
		classifier:   classify.NewEngine(logger),
		camera:       ctrl,
		features:     append([]string(nil), opts.Features...),
		autoClassify: opts.AutoClassify,
		force:        opts.ForceFeatures,
		saveRaster:   opts.SaveRaster,
		warnings:     make(map[string]Warning),
	}
	for i := range s.savers {
		s.savers[i] = &image.Saver{}
	}
	for b, l := range opts.ExposureLevels {
		s.levels[b] = camera.ClampLevel(l)
	}
	s.align = resultFromSet(alignment.HomographySet{})
	s.updateExposures(s.levels)
	return s
}

// Bus returns the session event bus.
func (s *Session) Bus() *Bus { return s.bus }

// Frames returns the latest-frame slot receivers publish into.
func (s *Session) Frames() *stream.Latest { return s.frames }

// Calibration returns the calibration store.
func (s *Session) Calibration() *calibration.Store { return s.calib }

// Rasters returns the raster store.
func (s *Session) Rasters() *raster.Store { return s.rasters }

// Prepare creates the data folders and, when AutoLoad is set, loads the
// calibration captures and the homography file already on disk.
func (s *Session) Prepare() error {
	if s.opts.DataDir != "" {
		if err := calibration.EnsureDataDirs(s.opts.DataDir); err != nil {
			return err
		}
	}
	if !s.opts.AutoLoad {
		return nil
	}
	if s.opts.DataDir != "" {
		if err := s.calib.AutoLoad(s.opts.DataDir); err != nil {
			s.log.Warn("calibration auto-load failed", "error", err)
		} else {
			s.bus.Emit(EventCalibrationChanged, s.calib.Snapshot())
		}
	}
	if _, err := os.Stat(s.opts.TransformPath); err == nil {
		if err := s.LoadHomographies(""); err != nil {
			s.log.Warn("homography auto-load failed", "path", s.opts.TransformPath, "error", err)
		}
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	s.log.Info("session started", "tick", s.opts.Tick, "data_dir", s.opts.DataDir)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("session stopped")
			return nil
		case <-s.frames.Notify():
			s.mu.Lock()
			s.lastFrameAt = time.Now()
			s.mu.Unlock()
			s.bus.Emit(EventFrameReceived, s.frames.Seq())
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs one refresh of the latest frame: rectify, save the raw frame,
// compute reflectance, recompute rasters, save products and classify.
// Problems are logged once per condition and never stop the loop. It
// reports whether a frame was available.
func (s *Session) Tick(now time.Time) bool {
	f := s.frames.Load()
	if f == nil {
		return false
	}
	start := time.Now()
	defer func() { metrics.TickSeconds.Observe(time.Since(start).Seconds()) }()

	frame := s.rectify(f)
	s.mu.Lock()
	s.frame = frame
	s.frameSeq = s.frames.Seq()
	s.ticks++
	s.mu.Unlock()
	s.save(SaveRaw, frame.Gray(), now)

	refl, err := s.refl.Run(frame, s.ExposureMs())
	if err != nil {
		s.mu.Lock()
		s.reflectance = [image.BandCount]*image.Tile{}
		s.mu.Unlock()
		s.warnReflectance(err)
		return true
	}
	s.resolvePrefix(reflectanceKey, "")
	s.mu.Lock()
	s.reflectance = refl
	s.mu.Unlock()

	s.refreshRasters(refl)
	if s.savers[SaveReflectance].Active() {
		if strip, err := image.NormalizedStrip(refl[:]); err == nil {
			s.save(SaveReflectance, strip, now)
		}
	}
	s.saveSelectedRaster(now)
	s.bus.Emit(EventReflectanceUpdated, refl)

	if s.AutoClassify() {
		if _, _, err := s.ClassifyNow(); err != nil {
			s.warn("classify", "auto-classification failed", "error", err)
		} else {
			s.resolve("classify")
		}
	}
	return true
}

func (s *Session) rectify(f *image.Frame) *image.Frame {
	if !s.opts.Rectify {
		return f
	}
	out, degraded, err := s.rectifier.RectifyFrame(f)
	if err != nil {
		s.warn("rectify", "rectification failed, using raw frame", "error", err)
		return f
	}
	s.resolve("rectify")
	missing := make(map[int]bool, len(degraded))
	for _, b := range degraded {
		missing[b] = true
		s.warn(fmt.Sprintf("homography:%d", b), "no homography, band left unaligned", "band", b)
	}
	for b := 1; b < image.BandCount; b++ {
		if !missing[b] {
			s.resolve(fmt.Sprintf("homography:%d", b))
		}
	}
	return out
}

func (s *Session) refreshRasters(refl [image.BandCount]*image.Tile) {
	created, err := s.rasters.EnsureOverlay(refl)
	if err != nil {
		s.warn("overlay", "overlay raster failed", "error", err)
	} else if created {
		s.bus.Emit(EventRastersChanged, s.rasters.Names())
	}

	failures, err := s.rasters.RecomputeAll(refl)
	if err != nil {
		s.warn("rasters", "raster recompute failed", "error", err)
		return
	}
	s.resolve("rasters")
	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		failed[f.Name] = true
		s.warn("raster:"+f.Name, "raster evaluation failed, keeping previous data", "raster", f.Name, "error", f.Err)
	}
	for _, name := range s.rasters.Names() {
		if !failed[name] {
			s.resolve("raster:" + name)
		}
	}
}

// warn logs msg the first time key is raised. The condition stays active
// until resolve is called with the same key.
func (s *Session) warn(key, msg string, args ...any) {
	w := Warning{Key: key, Message: msg}
	s.mu.Lock()
	_, seen := s.warnings[key]
	if !seen {
		s.warnings[key] = w
	}
	s.mu.Unlock()
	if seen {
		return
	}
	s.log.Warn(msg, args...)
	s.bus.Emit(EventWarning, w)
}

const reflectanceKey = "reflectance:"

// warnReflectance raises one warning per precondition category and band.
// A change of category clears the previous one so it is reported again
// if it comes back.
func (s *Session) warnReflectance(err error) {
	key, msg := reflectanceKey+"error", "reflectance unavailable"
	args := []any{"error", err}
	var pe *reflectance.PreconditionError
	if errors.As(err, &pe) {
		key = reflectanceKey + strings.ReplaceAll(pe.Kind.String(), " ", "_")
		msg = "reflectance unavailable: " + pe.Kind.String()
		if pe.Band >= 0 {
			key += fmt.Sprintf(":%d", pe.Band+1)
			msg += fmt.Sprintf(" for band %d", pe.Band+1)
		}
		args = []any{"key", key}
	}
	s.resolvePrefix(reflectanceKey, key)
	s.warn(key, msg, args...)
}

func (s *Session) resolve(key string) {
	s.mu.Lock()
	_, ok := s.warnings[key]
	delete(s.warnings, key)
	s.mu.Unlock()
	if ok {
		s.log.Info("condition cleared", "key", key)
	}
}

// resolvePrefix clears every active key starting with prefix except keep.
func (s *Session) resolvePrefix(prefix, keep string) {
	s.mu.Lock()
	var cleared []string
	for k := range s.warnings {
		if k != keep && strings.HasPrefix(k, prefix) {
			delete(s.warnings, k)
			cleared = append(cleared, k)
		}
	}
	s.mu.Unlock()
	for _, k := range cleared {
		s.log.Info("condition cleared", "key", k)
	}
}

// Warnings returns the active warning keys, sorted.
func (s *Session) Warnings() []string {
	active := s.ActiveWarnings()
	out := make([]string, len(active))
	for i, w := range active {
		out[i] = w.Key
	}
	return out
}

// ActiveWarnings returns the active warnings sorted by key.
func (s *Session) ActiveWarnings() []Warning {
	s.mu.RLock()
	out := make([]Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Frame returns the last processed frame, or the latest received one
// before the first tick.
func (s *Session) Frame() *image.Frame {
	s.mu.RLock()
	f := s.frame
	s.mu.RUnlock()
	if f != nil {
		return f
	}
	return s.frames.Load()
}

// Reflectance returns the last reflectance tiles; entries are nil until the
// first successful cycle.
func (s *Session) Reflectance() [image.BandCount]*image.Tile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reflectance
}

// Labels returns the last classification map and its diagnostics.
func (s *Session) Labels() (*image.Tile, classify.Diagnostics) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels, s.diag
}

// ExposureLevels returns the current level of each band.
func (s *Session) ExposureLevels() [image.BandCount]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.levels
}

// ExposureMs returns the exposure time of each band in milliseconds.
func (s *Session) ExposureMs() [image.BandCount]float64 {
	levels := s.ExposureLevels()
	var ms [image.BandCount]float64
	for b, l := range levels {
		ms[b] = camera.MsForLevel(l)
	}
	return ms
}

func (s *Session) updateExposures(levels [image.BandCount]int) {
	toks := camera.Ms100ForLevels(levels)
	for _, sv := range s.savers {
		sv.SetExposures(toks)
	}
}
