package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate rule lists or print their JSON Schema",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Compile rule list files and report problems",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			l, err := blacklist.LoadFile(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", badStyle.Render("FAIL"), path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (version %s, %d entries)\n", goodStyle.Render("ok"), path, l.Version(), l.Len())
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rule lists invalid", failed, len(args))
		}
		return nil
	},
}

var rulesSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the rule list format",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := blacklist.Schema()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd, rulesSchemaCmd)
}
