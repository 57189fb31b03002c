// Package server exposes a read-only HTTP preview of a running session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	goimage "image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"nbc-viewer/internal/app"
	"nbc-viewer/internal/classify"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/metrics"
	"nbc-viewer/internal/raster"
	"nbc-viewer/pkg/colorutil"
)

const defaultLegendHeight = 256

// Server serves previews and metrics for one session.
type Server struct {
	addr    string
	session *app.Session
	log     *slog.Logger
	server  *http.Server
}

// New creates a server bound to addr.
func New(addr string, session *app.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, session: session, log: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/frame.png", s.handleFrame).Methods("GET")
	r.HandleFunc("/composite.png", s.handleComposite).Methods("GET")
	r.HandleFunc("/reflectance/{band:[1-4]}.png", s.handleReflectance).Methods("GET")
	r.HandleFunc("/raster/{name}.png", s.handleRaster).Methods("GET")
	r.HandleFunc("/overlay.png", s.handleOverlay).Methods("GET")
	r.HandleFunc("/legend.png", s.handleLegend).Methods("GET")
	r.HandleFunc("/classification.png", s.handleClassification).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down preview server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("preview server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.session.Status()); err != nil {
		s.log.Warn("status encode failed", "error", err)
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f := s.session.Frame()
	if f == nil {
		http.Error(w, app.ErrNoFrame.Error(), http.StatusNotFound)
		return
	}
	s.writePNG(w, image.HighlightSaturated(f.Gray()))
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	f := s.session.Frame()
	if f == nil {
		http.Error(w, app.ErrNoFrame.Error(), http.StatusNotFound)
		return
	}
	mode, err := image.ParseBlendMode(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writePNG(w, image.Composite(f.Split(), mode))
}

func (s *Server) handleReflectance(w http.ResponseWriter, r *http.Request) {
	band, _ := strconv.Atoi(mux.Vars(r)["band"])
	t := s.session.Reflectance()[band-1]
	if t == nil {
		http.Error(w, raster.ErrNoReflectance.Error(), http.StatusNotFound)
		return
	}
	s.writeTile(w, r, t)
}

func (s *Server) handleRaster(w http.ResponseWriter, r *http.Request) {
	s.serveRaster(w, r, mux.Vars(r)["name"])
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	s.serveRaster(w, r, raster.OverlayName)
}

func (s *Server) serveRaster(w http.ResponseWriter, r *http.Request, name string) {
	rs, ok := s.session.Rasters().Get(name)
	if !ok || rs.Data == nil {
		http.Error(w, fmt.Sprintf("%v: %s", raster.ErrNotFound, name), http.StatusNotFound)
		return
	}
	s.writeTile(w, r, rs.Data)
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	cm, vmin, vmax, err := colorParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if vmin >= vmax {
		vmin, vmax = 0, 1
	}
	height := defaultLegendHeight
	if h := r.URL.Query().Get("height"); h != "" {
		if height, err = strconv.Atoi(h); err != nil || height < 2 || height > 4096 {
			http.Error(w, "invalid height", http.StatusBadRequest)
			return
		}
	}
	s.writePNG(w, image.Legend(cm, vmin, vmax, height))
}

func (s *Server) handleClassification(w http.ResponseWriter, r *http.Request) {
	labels, _ := s.session.Labels()
	if labels == nil {
		http.Error(w, app.ErrNoClassification.Error(), http.StatusNotFound)
		return
	}
	s.writePNG(w, classify.LabelImage(labels))
}

// writeTile colorizes t with the request's cmap, vmin and vmax. A missing
// or inverted range falls back to the tile's own range.
func (s *Server) writeTile(w http.ResponseWriter, r *http.Request, t *image.Tile) {
	cm, vmin, vmax, err := colorParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writePNG(w, t.Colorize(cm, vmin, vmax))
}

func colorParams(r *http.Request) (*colorutil.Colormap, float64, float64, error) {
	q := r.URL.Query()
	cm, err := colorutil.LookupColormap(q.Get("cmap"))
	if err != nil {
		return nil, 0, 0, err
	}
	var vmin, vmax float64
	if v := q.Get("vmin"); v != "" {
		if vmin, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, 0, 0, fmt.Errorf("invalid vmin %q", v)
		}
	}
	if v := q.Get("vmax"); v != "" {
		if vmax, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, 0, 0, fmt.Errorf("invalid vmax %q", v)
		}
	}
	return cm, vmin, vmax, nil
}

func (s *Server) writePNG(w http.ResponseWriter, img goimage.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn("png encode failed", "error", err)
	}
}
