package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/gpuhost/internal/gpuchild"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// gpuProcessCmd is the child role. The host re-executes this binary with
// it; the remaining arguments are the child switches, parsed by the
// switches package rather than cobra.
var gpuProcessCmd = &cobra.Command{
	Use:                switches.GPUProcessType + " [switches]",
	Short:              "Run as the GPU child process (started by the host)",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		cl := switches.Parse(os.Args[0], args)
		logging.Init("text", cl.GetSwitchValue(switches.LogLevel), os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		code := gpuchild.Main(ctx, cl)
		stop()
		os.Exit(code)
	},
}
