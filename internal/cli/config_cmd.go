package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nbc-viewer/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, create or validate the nbc-viewer configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			root.printf("# %s\n%s", root.cfgPath, out)
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(root.cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", root.cfgPath)
			}
			if err := config.Write(root.cfgPath, config.Default()); err != nil {
				return err
			}
			root.printf("wrote %s\n", root.cfgPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated it.
			root.log.Info("configuration validation", "path", root.cfgPath, "status", "valid")
			root.printf("%s is valid\n", root.cfgPath)
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("%s\n", root.cfgPath)
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd, pathCmd)
	return cmd
}
