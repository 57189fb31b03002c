// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbc_frames_received_total",
		Help: "Frames decoded and published to the latest-frame slot.",
	})
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbc_frames_rejected_total",
		Help: "Payloads dropped by the receiver.",
	}, []string{"reason"})

	remoteCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbc_remote_commands_total",
		Help: "Remote camera commands by operation and result.",
	}, []string{"op", "result"})
	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nbc_remote_command_seconds",
		Help:    "Duration of remote camera commands including connection setup.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"op"})

	AlignmentInliers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nbc_alignment_inliers",
		Help: "RANSAC inliers of the last alignment per target band.",
	}, []string{"band"})
	alignmentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbc_alignment_runs_total",
		Help: "Per-band alignment outcomes.",
	}, []string{"band", "status"})

	ReflectanceCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbc_reflectance_cycles_total",
		Help: "Reflectance computations by result.",
	}, []string{"result"})
	RasterFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbc_raster_eval_failures_total",
		Help: "Raster expressions that failed to evaluate during recompute.",
	})
	ClassifiedPixels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nbc_classified_pixels",
		Help: "Valid pixels in the last classification.",
	})
	ClassificationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "nbc_classification_seconds",
		Help: "Time spent predicting one classification map.",
	})
	TickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nbc_session_tick_seconds",
		Help:    "Duration of one session refresh tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "nbc_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbc_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
)

// ObserveRemote records one remote command.
func ObserveRemote(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteCommands.WithLabelValues(op, result).Inc()
	remoteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveAlignment records one per-band alignment outcome.
func ObserveAlignment(band, status string, inliers int) {
	alignmentRuns.WithLabelValues(band, status).Inc()
	AlignmentInliers.WithLabelValues(band).Set(float64(inliers))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware times every request by its route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}
