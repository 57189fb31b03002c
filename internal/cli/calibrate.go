package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nbc-viewer/internal/calibration"
	"nbc-viewer/internal/config"
)

func newCalibrateCmd(root *Root) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "calibrate <background.png> [reference.png]",
		Short: "Estimate dark noise and reference radiance from captures",
		Long: `Estimate per-band dark noise from a background capture and, when given,
reference radiance from a reference capture. The reference file name must
carry the four exposure tokens, e.g. ref_450_450_450_450.png.

With --yaml the constants are printed as a calibration config section that
can be pasted into the config file.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := calibration.NewStore(root.log)
			if err := store.LoadBackground(args[0]); err != nil {
				return err
			}
			if len(args) == 2 {
				if err := store.LoadReference(args[1]); err != nil {
					return err
				}
			}
			c := store.Snapshot()

			if asYAML {
				section := struct {
					Calibration config.Calibration `yaml:"calibration"`
				}{root.cfg.Calibration}
				section.Calibration.DarkNoise = c.DarkNoise[:]
				if c.HasRef {
					section.Calibration.RefRadiance = c.RefRadiance[:]
				}
				out, err := yaml.Marshal(section)
				if err != nil {
					return err
				}
				root.printf("%s", out)
				return nil
			}

			for b := range c.DarkNoise {
				line := fmt.Sprintf("band %d: dark=%.4f", b+1, c.DarkNoise[b])
				if c.HasRef {
					line += fmt.Sprintf(" reference=%.6g tokens=%d", c.RefRadiance[b], c.RefTokens[b])
				}
				root.printf("%s\n", line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the constants as a config section")

	return cmd
}
