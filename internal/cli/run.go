package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"nbc-viewer/internal/app"
	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/server"
	"nbc-viewer/internal/stream"
)

type runOptions struct {
	cameraIP         string
	listen           string
	addr             string
	noServer         bool
	noCamera         bool
	save             []string
	saveRaster       string
	model            string
	features         []string
	rasters          []string
	autoClassify     bool
	restartOnRebuild bool
}

func newRunCmd(root *Root) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Receive live frames and refresh all products",
		Long: `Run the live session: connect to the camera, bind the frame receiver,
refresh reflectance, rasters and classification on every tick and serve
previews over HTTP.

Examples:
  # Discover the camera through the router and serve previews
  nbc-viewer run

  # Fixed camera address, save raw frames and the Overlay raster
  nbc-viewer run --camera-ip 192.168.2.20 --save raw --save-raster Overlay

  # Replay a sender on this machine without touching the camera
  nbc-viewer run --no-camera --listen tcp://127.0.0.1:5555`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.run(cmd.Context(), o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.cameraIP, "camera-ip", "", "camera address, skips discovery")
	f.StringVar(&o.listen, "listen", "", "frame endpoint to bind, e.g. tcp://*:5555 (default from the camera connection)")
	f.StringVar(&o.addr, "addr", "", "preview server address (default from config)")
	f.BoolVar(&o.noServer, "no-server", false, "do not start the preview server")
	f.BoolVar(&o.noCamera, "no-camera", false, "do not contact the camera; requires --listen")
	f.StringSliceVar(&o.save, "save", nil, "products to save from the start (raw|reflectance|raster)")
	f.StringVar(&o.saveRaster, "save-raster", "", "raster to save when raster saving is on")
	f.StringVar(&o.model, "model", "", "classification model file")
	f.StringSliceVar(&o.features, "features", nil, "classification features, band (R1-R4) or raster names")
	f.StringSliceVar(&o.rasters, "raster", nil, "raster expressions to create once reflectance is available")
	f.BoolVar(&o.autoClassify, "auto-classify", false, "classify on every tick")
	f.BoolVar(&o.restartOnRebuild, "restart-on-rebuild", false, "re-exec when the binary is rebuilt")

	return cmd
}

func (r *Root) run(ctx context.Context, o runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.cameraIP != "" {
		r.cfg.Camera.Address = o.cameraIP
	}
	if o.noCamera && o.listen == "" {
		return errors.New("--no-camera needs --listen")
	}
	if o.saveRaster != "" {
		r.cfg.Save.Raster = o.saveRaster
	}
	if len(o.features) > 0 {
		r.cfg.Session.Features = o.features
	}
	if o.autoClassify {
		r.cfg.Session.AutoClassify = true
	}
	if o.model != "" {
		r.cfg.Session.Model = o.model
	}

	var ctrl *camera.Controller
	if !o.noCamera {
		c, err := r.controller()
		if err != nil {
			return err
		}
		ctrl = c
	}
	sess, err := r.newSession(ctrl)
	if err != nil {
		return err
	}
	if err := r.configureSession(sess, o); err != nil {
		return err
	}

	listen := o.listen
	if listen == "" {
		r.log.Info("connecting to camera")
		res := <-sess.ConnectAsync(ctx, r.cfg.Camera.Address)
		if res.Err != nil {
			return fmt.Errorf("camera: %w", res.Err)
		}
		listen = res.Value
	}

	decode, err := stream.DecoderByName(r.cfg.Stream.Decoder)
	if err != nil {
		return err
	}
	sub, err := stream.ListenZMQ(listen)
	if err != nil {
		return err
	}
	recv := stream.NewReceiver(sub, decode, sess.Frames(), r.log)
	recv.SetIdle(r.cfg.Stream.Idle)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				r.log.Error("component stopped", "component", name, "error", err)
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("receiver", recv.Run)
	start("session", sess.Run)
	if r.cfg.Calibration.Watch {
		w := calibration.NewWatcher(sess.Calibration(), r.cfg.DataDir, r.log)
		w.OnReload = sess.CalibrationReloaded
		start("calibration watcher", w.Run)
	}
	if !o.noServer && (r.cfg.Server.Enabled || o.addr != "") {
		addr := o.addr
		if addr == "" {
			addr = r.cfg.Server.Addr
		}
		srv := server.New(addr, sess, r.log)
		start("preview server", srv.Start)
	}

	var restart atomic.Bool
	if o.restartOnRebuild {
		hr, err := app.NewHotReloader(2*time.Second, r.log)
		if err != nil {
			r.log.Warn("hot reload unavailable", "error", err)
		} else {
			r.log.Info("watching binary for rebuilds", "path", hr.ExecPath())
			hr.OnNewBinary(func() {
				restart.Store(true)
				cancel()
			})
			go hr.Run(ctx)
			defer func() {
				if restart.Load() {
					r.log.Info("restarting with rebuilt binary")
					if err := hr.Restart(); err != nil {
						r.log.Error("restart failed", "error", err)
					}
				}
			}()
		}
	}

	r.log.Info("session running", "listen", listen, "data_dir", r.cfg.DataDir)
	<-ctx.Done()
	wg.Wait()
	close(errs)
	r.log.Info("session stopped")
	return <-errs
}

// configureSession applies the classification, raster and saving settings
// of the config and the run flags to a fresh session.
func (r *Root) configureSession(sess *app.Session, o runOptions) error {
	if m := r.cfg.Session.Model; m != "" {
		if err := sess.LoadModel(m); err != nil {
			return err
		}
	}

	rasters := append(append([]string{}, r.cfg.Session.Rasters...), o.rasters...)
	features := sess.Features()
	if len(rasters) > 0 {
		// Rasters need reflectance, so they are created on the first
		// successful refresh, followed by features that refer to them.
		var once sync.Once
		sess.Bus().On(app.EventReflectanceUpdated, func(interface{}) {
			once.Do(func() {
				for _, expr := range rasters {
					if _, err := sess.AddRaster(expr); err != nil {
						r.log.Warn("configured raster rejected", "expr", expr, "error", err)
					}
				}
				if err := sess.SetFeatures(features); err != nil {
					r.log.Warn("configured features rejected", "features", features, "error", err)
				}
			})
		})
	}

	now := time.Now()
	kinds := o.save
	if r.cfg.Save.Raw {
		kinds = append(kinds, "raw")
	}
	if r.cfg.Save.Reflectance {
		kinds = append(kinds, "reflectance")
	}
	if r.cfg.Save.Raster != "" {
		kinds = append(kinds, "raster")
	}
	seen := make(map[app.SaveKind]bool)
	for _, k := range kinds {
		kind, err := app.ParseSaveKind(strings.TrimSpace(k))
		if err != nil {
			return err
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		dir, err := sess.StartSaving(kind, now)
		if err != nil {
			return err
		}
		r.log.Info("saving", "kind", kind, "dir", dir)
	}
	return nil
}
