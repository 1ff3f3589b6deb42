package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/gpuhost/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		res := cfg.ValidateTiered()
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		path := cfgFile
		if path == "" {
			path = config.Path()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, out)
		for _, e := range res.All() {
			fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("warning: ")+e.Error())
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
