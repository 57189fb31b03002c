package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"nbc-viewer/internal/classify"
	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/colorutil"
)

func newClassifyCmd(root *Root) *cobra.Command {
	var (
		model    string
		features []string
		rasters  []string
		output   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "classify <frame.png>",
		Short: "Classify a saved frame with a model",
		Long: `Load a saved frame, rectify it, convert it to reflectance with the
configured calibration and classify it. Rasters given with --raster are
created first and can be used as features by name (Raster 1, Raster 2, ...).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				model = root.cfg.Session.Model
			}
			if model == "" {
				return fmt.Errorf("no model given")
			}
			if len(features) == 0 {
				features = root.cfg.Session.Features
			}

			sess, err := root.offlineSession(args[0])
			if err != nil {
				return err
			}
			for _, expr := range rasters {
				if _, err := sess.AddRaster(expr); err != nil {
					return err
				}
			}
			if err := sess.LoadModel(model); err != nil {
				return err
			}
			if err := sess.SetFeatures(features); err != nil {
				return err
			}
			sess.SetForceFeatures(force || root.cfg.Session.ForceFeatures)

			labels, diag, err := sess.ClassifyNow()
			if err != nil {
				return err
			}
			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "_classification.png"
			}
			if err := image.SavePNG(output, classify.LabelImage(labels)); err != nil {
				return err
			}

			root.printf("classified %d of %d pixels -> %s\n", diag.Valid, diag.Total, output)
			for _, l := range diag.Labels() {
				root.printf("  label %g: %d\n", l, diag.Counts[l])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "model file (default from config)")
	cmd.Flags().StringSliceVarP(&features, "features", "f", nil, "feature names in model order (default from config)")
	cmd.Flags().StringSliceVar(&rasters, "raster", nil, "raster expressions to create before classifying")
	cmd.Flags().StringVarP(&output, "output", "o", "", "classification map path")
	cmd.Flags().BoolVar(&force, "force", false, "pad or truncate features to the model's count")

	return cmd
}

func newRasterCmd(root *Root) *cobra.Command {
	var (
		cmap       string
		output     string
		vmin, vmax float64
		legend     bool
	)

	cmd := &cobra.Command{
		Use:   "raster <frame.png> <expression>",
		Short: "Evaluate a raster expression on a saved frame",
		Long: `Evaluate an arithmetic expression over the reflectance bands R1 to R4 of
a saved frame and write it as a colorized PNG.

Examples:
  nbc-viewer raster capture.png "(R4 - R3) / (R4 + R3)" --cmap viridis
  nbc-viewer raster capture.png "log(R2 + 1)" --vmin 0 --vmax 1 --legend`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := colorutil.LookupColormap(cmap)
			if err != nil {
				return fmt.Errorf("%w (known: %s)", err, strings.Join(colorutil.ColormapNames(), ", "))
			}
			sess, err := root.offlineSession(args[0])
			if err != nil {
				return err
			}
			r, err := sess.AddRaster(args[1])
			if err != nil {
				return err
			}

			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "_raster.png"
			}
			lo, hi := vmin, vmax
			if lo >= hi {
				var ok bool
				if lo, hi, ok = r.Data.Range(); !ok {
					return fmt.Errorf("%s has no finite values", r.Expr)
				}
			}
			if err := image.SavePNG(output, image.Annotate(r.Data.Colorize(cm, lo, hi), r.Expr)); err != nil {
				return err
			}
			root.printf("%s: range [%.4g, %.4g] -> %s\n", r.Expr, lo, hi, output)

			if legend {
				path := strings.TrimSuffix(output, filepath.Ext(output)) + "_legend.png"
				if err := image.SavePNG(path, image.Legend(cm, lo, hi, 256)); err != nil {
					return err
				}
				root.printf("legend -> %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cmap, "cmap", colorutil.DefaultColormap, "colormap")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().Float64Var(&vmin, "vmin", 0, "lower end of the color scale (default data minimum)")
	cmd.Flags().Float64Var(&vmax, "vmax", 0, "upper end of the color scale (default data maximum)")
	cmd.Flags().BoolVar(&legend, "legend", false, "also write a colorbar")

	return cmd
}
