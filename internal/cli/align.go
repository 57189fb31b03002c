package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/image"
	"nbc-viewer/pkg/geometry"
)

func newAlignCmd(root *Root) *cobra.Command {
	var (
		output string
		manual string
	)

	cmd := &cobra.Command{
		Use:   "align [snapshot]",
		Short: "Estimate band homographies and save them",
		Long: `Align bands 2-4 of a snapshot to band 1 with AKAZE features and RANSAC,
or fit them from hand-picked points, and write the homography file used
to rectify live frames.

A points file is a YAML list of tuples, each holding the same feature's
[x, y] position in bands 1 to 4:

  - [[102, 40], [98, 43], [101, 39], [99, 41]]
  - [[510, 61], [507, 64], [509, 60], [508, 62]]`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				root.cfg.Alignment.Transform = output
			}
			sess, err := root.newSession(nil)
			if err != nil {
				return err
			}

			var res alignment.Result
			switch {
			case manual != "":
				points, err := loadManualPoints(manual)
				if err != nil {
					return err
				}
				res, err = sess.ManualAlign(points)
				if err != nil {
					return err
				}
			case len(args) == 1:
				res, err = sess.AlignSnapshot(args[0])
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("need a snapshot or --points")
			}

			for _, b := range res.Bands {
				root.printf("band %d: %-12s matches=%-5d inliers=%-5d error=%.3f %s\n",
					b.Band+1, b.Status, b.Matches, b.Inliers, b.MeanError, b.Reason)
			}
			root.printf("coverage: %.1f%% of band 1 after rectification\n", 100*res.Coverage())
			for _, b := range res.Set().Missing() {
				root.printf("band %d left unaligned\n", b+1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "homography file (default <data-dir>/Calibration/Transformation/homographies.ini)")
	cmd.Flags().StringVar(&manual, "points", "", "YAML file of manually picked point tuples")

	return cmd
}

func loadManualPoints(path string) ([]alignment.ManualPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc [][][]float64
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	points := make([]alignment.ManualPoint, len(doc))
	for i, tuple := range doc {
		if len(tuple) != image.BandCount {
			return nil, fmt.Errorf("%s: tuple %d has %d points, want %d", path, i+1, len(tuple), image.BandCount)
		}
		for b, xy := range tuple {
			if len(xy) != 2 {
				return nil, fmt.Errorf("%s: tuple %d band %d is not an [x, y] pair", path, i+1, b+1)
			}
			points[i][b] = geometry.Point2D{X: xy[0], Y: xy[1]}
		}
	}
	return points, nil
}
