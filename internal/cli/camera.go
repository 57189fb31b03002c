package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"nbc-viewer/internal/camera"
	"nbc-viewer/internal/image"
)

func newCameraCmd(root *Root) *cobra.Command {
	var ip string

	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Query or change camera registers over SSH",
	}
	cmd.PersistentFlags().StringVar(&ip, "camera-ip", "", "camera address, skips discovery")

	// connected returns a controller whose camera address is known,
	// discovering it through the router when needed.
	connected := func(ctx context.Context) (*camera.Controller, error) {
		if ip != "" {
			root.cfg.Camera.Address = ip
		}
		ctrl, err := root.controller()
		if err != nil {
			return nil, err
		}
		if ctrl.CameraIP() == "" {
			found, err := ctrl.Discover(ctx)
			if err != nil {
				return nil, err
			}
			ctrl.SetCameraIP(found)
		}
		return ctrl, nil
	}

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Resolve the camera address through the router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := root.controller()
			if err != nil {
				return err
			}
			found, err := ctrl.Discover(cmd.Context())
			if err != nil {
				return err
			}
			root.printf("%s\n", found)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Read gain and exposure of every band",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := connected(cmd.Context())
			if err != nil {
				return err
			}
			st, err := ctrl.ReadSettings(cmd.Context())
			if err != nil {
				return err
			}
			root.printf("camera %s\n", ctrl.CameraIP())
			for b := 0; b < image.BandCount; b++ {
				root.printf("band %d: gain=%s level=%s", b+1, register(st.Gain[b]), register(st.Level[b]))
				if st.Level[b].Valid {
					root.printf(" (%.2f ms)", camera.MsForLevel(st.Level[b].Value))
				}
				root.printf("\n")
			}
			return nil
		},
	}

	exposureCmd := &cobra.Command{
		Use:   "exposure <band> <level>",
		Short: fmt.Sprintf("Set a band's exposure level (%d-%d)", camera.MinLevel, camera.MaxLevel),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			band, value, err := bandValue(args)
			if err != nil {
				return err
			}
			ctrl, err := connected(cmd.Context())
			if err != nil {
				return err
			}
			level := camera.ClampLevel(value)
			if err := ctrl.SetExposureLevel(cmd.Context(), band-1, level); err != nil {
				return err
			}
			root.printf("band %d exposure level %d (%.2f ms)\n", band, level, camera.MsForLevel(level))
			return nil
		},
	}

	gainCmd := &cobra.Command{
		Use:   "gain <band> <value>",
		Short: "Set a band's analog gain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			band, value, err := bandValue(args)
			if err != nil {
				return err
			}
			ctrl, err := connected(cmd.Context())
			if err != nil {
				return err
			}
			if err := ctrl.SetGain(cmd.Context(), band-1, value); err != nil {
				return err
			}
			root.printf("band %d gain %d\n", band, value)
			return nil
		},
	}

	cmd.AddCommand(discoverCmd, statusCmd, exposureCmd, gainCmd)
	return cmd
}

// bandValue parses a one-based band and an integer value.
func bandValue(args []string) (band, value int, err error) {
	band, err = strconv.Atoi(args[0])
	if err != nil || band < 1 || band > image.BandCount {
		return 0, 0, fmt.Errorf("%w: %s", camera.ErrBand, args[0])
	}
	value, err = strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q", args[1])
	}
	return band, value, nil
}

func register(r camera.Register) string {
	if !r.Valid {
		return "?"
	}
	return strconv.Itoa(r.Value)
}
