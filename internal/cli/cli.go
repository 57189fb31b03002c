// Package cli implements the nbc-viewer command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"nbc-viewer/internal/app"
	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/config"
	"nbc-viewer/internal/image"
	"nbc-viewer/internal/logging"
	"nbc-viewer/internal/version"
)

// Root carries state shared by every subcommand. It is filled in by the
// root command's persistent pre-run.
type Root struct {
	cfgPath   string
	logLevel  string
	logFormat string
	dataDir   string

	cfg *config.Config
	log *slog.Logger
	out io.Writer
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "nbc-viewer",
		Short: "Live viewer for a four-band multispectral camera",
		Long: `nbc-viewer receives frames from a four-band camera, rectifies the bands,
converts them to reflectance and derives rasters and classification maps.
Offline subcommands run the same processing on saved captures.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.init(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&root.cfgPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&root.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&root.logFormat, "log-format", "", "log format (text|json)")
	pf.StringVar(&root.dataDir, "data-dir", "", "data folder for captures, calibration and products")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newClassifyCmd(root))
	rootCmd.AddCommand(newRasterCmd(root))
	rootCmd.AddCommand(newCameraCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// Execute runs the command line with args until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) init(cmd *cobra.Command) error {
	path := r.cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Logging.Level = r.logLevel
	}
	if r.logFormat != "" {
		cfg.Logging.Format = r.logFormat
	}
	if r.dataDir != "" {
		cfg.DataDir = r.dataDir
	}
	r.cfgPath = path
	r.cfg = cfg
	r.out = cmd.OutOrStdout()
	r.log = logging.NewWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	r.log.Debug("configuration loaded", "path", path, "data_dir", cfg.DataDir)
	return nil
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// controller builds the camera controller from the config.
func (r *Root) controller() (*camera.Controller, error) {
	dialer, err := r.cfg.Dialer()
	if err != nil {
		return nil, err
	}
	ctrl := camera.NewController(r.cfg.CameraConfig(), dialer, r.log)
	if r.cfg.Camera.Address != "" {
		ctrl.SetCameraIP(r.cfg.Camera.Address)
	}
	return ctrl, nil
}

// newSession builds a session from the config and installs the constants
// given in it, if any.
func (r *Root) newSession(ctrl *camera.Controller) (*app.Session, error) {
	sess := app.NewSession(app.OptionsFromConfig(r.cfg), nil, nil, ctrl, r.log)
	if err := sess.Prepare(); err != nil {
		return nil, err
	}
	if dark, ref, ok := r.configuredConstants(); ok {
		sess.Calibration().SetConstants(dark, ref)
		r.log.Info("calibration constants taken from config")
	}
	return sess, nil
}

func (r *Root) configuredConstants() (dark, ref [image.BandCount]float64, ok bool) {
	c := r.cfg.Calibration
	if len(c.DarkNoise) != image.BandCount || len(c.RefRadiance) != image.BandCount {
		return dark, ref, false
	}
	copy(dark[:], c.DarkNoise)
	copy(ref[:], c.RefRadiance)
	return dark, ref, true
}

// offlineSession loads a saved frame into a fresh session and runs one
// refresh so reflectance and rasters are ready.
func (r *Root) offlineSession(framePath string) (*app.Session, error) {
	sess, err := r.newSession(nil)
	if err != nil {
		return nil, err
	}
	f, err := image.LoadFrame(framePath)
	if err != nil {
		return nil, err
	}
	sess.Frames().Publish(f)
	sess.Tick(time.Now())
	for _, w := range sess.ActiveWarnings() {
		r.log.Warn(w.Message, "key", w.Key)
	}
	return sess, nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("nbc-viewer %s\n", version.String())
		},
	}
}
