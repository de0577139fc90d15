// fieldgate is the Modbus edge gateway: it polls RS-485 devices,
// evaluates alert and control rules, archives snapshots, and forwards
// windowed data to the cloud.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fieldgate/cmd/fieldgate/ui"
	"fieldgate/config"
	"fieldgate/internal/daemon"
	"fieldgate/internal/logging"
)

const version = "1.0.0"

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath string
		debug   bool
		plain   bool
	)

	root := &cobra.Command{
		Use:           "fieldgate",
		Short:         "Modbus RTU edge gateway",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Configure(plain)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "Configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable colored output")

	root.AddCommand(daemonCmd(&cfgPath))
	root.AddCommand(statusCmd(&cfgPath))
	root.AddCommand(devicesCmd(&cfgPath))
	return root
}

func daemonCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, *cfgPath)
		},
	}
}
