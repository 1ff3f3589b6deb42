package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	cfgFile   string
	diagAddr  string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "gpuhost",
	Short: "GPU process host",
	Long: `gpuhost decides whether GPU acceleration may be used on this machine,
launches and supervises the GPU child process, and serves a loopback
diagnostics endpoint.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gpuhost v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir gpuhost.yaml)")
	rootCmd.PersistentFlags().StringVar(&diagAddr, "addr", "", "diagnostics address (overrides diagnostics_addr)")

	runCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")
	runCmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides log_format)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gpuProcessCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(crashCmd)
	rootCmd.AddCommand(hangCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
