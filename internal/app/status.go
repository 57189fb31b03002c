package app

import (
	"strconv"
	"time"

	"nbc-viewer/internal/image"
	"nbc-viewer/internal/version"
)

// Status is a JSON-friendly summary of the session.
type Status struct {
	Version        string                      `json:"version"`
	HasFrame       bool                        `json:"has_frame"`
	FrameSeq       uint64                      `json:"frame_seq"`
	LastFrame      *time.Time                  `json:"last_frame,omitempty"`
	Ticks          uint64                      `json:"ticks"`
	CameraIP       string                      `json:"camera_ip,omitempty"`
	ExposureLevels [image.BandCount]int        `json:"exposure_levels"`
	ExposureMs     [image.BandCount]float64    `json:"exposure_ms"`
	Gains          [image.BandCount]*int       `json:"gains"`
	Calibration    CalibrationStatus           `json:"calibration"`
	Alignment      [image.BandCount]BandStatus `json:"alignment"`
	Coverage       float64                     `json:"alignment_coverage"`
	Rasters        []string                    `json:"rasters"`
	Model          string                      `json:"model,omitempty"`
	Features       []string                    `json:"features"`
	AutoClassify   bool                        `json:"auto_classify"`
	Classification *ClassificationStatus       `json:"classification,omitempty"`
	Saving         map[string]string           `json:"saving"`
	Warnings       []Warning                   `json:"warnings"`
}

// CalibrationStatus summarises the calibration constants.
type CalibrationStatus struct {
	HasDark     bool                     `json:"has_dark"`
	HasRef      bool                     `json:"has_ref"`
	DarkNoise   [image.BandCount]float64 `json:"dark_noise"`
	RefRadiance [image.BandCount]float64 `json:"reference_radiance"`
	DarkSource  string                   `json:"dark_source,omitempty"`
	RefSource   string                   `json:"ref_source,omitempty"`
}

// BandStatus summarises one band's alignment.
type BandStatus struct {
	Band      int     `json:"band"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	Matches   int     `json:"matches"`
	Inliers   int     `json:"inliers"`
	MeanError float64 `json:"mean_error"`
}

// ClassificationStatus summarises the last classification.
type ClassificationStatus struct {
	Valid  int            `json:"valid"`
	Total  int            `json:"total"`
	Labels []float64      `json:"labels"`
	Counts map[string]int `json:"counts"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	c := s.calib.Snapshot()
	_, model := s.classifier.Model()

	s.mu.RLock()
	st := Status{
		Version:        version.Version,
		HasFrame:       s.frames.Load() != nil,
		FrameSeq:       s.frames.Seq(),
		Ticks:          s.ticks,
		ExposureLevels: s.levels,
		Calibration: CalibrationStatus{
			HasDark:     c.HasDark,
			HasRef:      c.HasRef,
			DarkNoise:   c.DarkNoise,
			RefRadiance: c.RefRadiance,
			DarkSource:  c.DarkSource,
			RefSource:   c.RefSource,
		},
		Rasters:      s.rasters.Names(),
		Model:        model,
		Features:     append([]string{}, s.features...),
		AutoClassify: s.autoClassify,
		Saving:       make(map[string]string),
	}
	if !s.lastFrameAt.IsZero() {
		t := s.lastFrameAt
		st.LastFrame = &t
	}
	for b, g := range s.gains {
		if g.Valid {
			v := g.Value
			st.Gains[b] = &v
		}
	}
	for b, br := range s.align.Bands {
		st.Alignment[b] = BandStatus{
			Band:      b,
			Status:    br.Status.String(),
			Reason:    br.Reason,
			Matches:   br.Matches,
			Inliers:   br.Inliers,
			MeanError: br.MeanError,
		}
	}
	st.Coverage = s.align.Coverage()
	if s.labels != nil {
		cs := &ClassificationStatus{
			Valid:  s.diag.Valid,
			Total:  s.diag.Total,
			Labels: s.diag.Labels(),
			Counts: make(map[string]int, len(s.diag.Counts)),
		}
		for l, n := range s.diag.Counts {
			cs.Counts[formatLabel(l)] = n
		}
		st.Classification = cs
	}
	s.mu.RUnlock()

	if s.camera != nil {
		st.CameraIP = s.camera.CameraIP()
	}
	st.ExposureMs = s.ExposureMs()
	for k := SaveRaw; k < saveKinds; k++ {
		if sv := s.savers[k]; sv.Active() {
			st.Saving[k.String()] = sv.Dir()
		}
	}
	st.Warnings = s.ActiveWarnings()
	return st
}

func formatLabel(l float64) string {
	return strconv.FormatFloat(l, 'g', -1, 64)
}
